// Package router maps job descriptors onto delivery tasks for the judge
// families the client knows how to submit to.
package router

import (
	"regexp"
	"strings"

	"github.com/XiaoCRQ/Competitive-Remote/pkg/protocol"
)

// Family names.
const (
	FamilyLuogu      = "luogu"
	FamilyCodeforces = "codeforces"
	FamilyNowcoder   = "nowcoder"
)

// Task is one hand-off to a destination.
type Task struct {
	Family      string  `json:"family"`
	Destination string  `json:"destination"`
	Payload     Payload `json:"payload"`
}

// Payload is what the destination receives. Code is either the raw source
// string or, for families that need it, a nested Submission.
type Payload struct {
	URL      string `json:"url"`
	Code     any    `json:"code"`
	Language string `json:"language"`
}

// Submission is the nested code shape used by Codeforces.
type Submission struct {
	Source   string `json:"source"`
	Problem  string `json:"problem"`
	Language string `json:"language"`
}

type family struct {
	name  string
	host  string
	route func(job protocol.Job) (Task, bool)
}

// families are tried in order; the first whose host marker appears in the
// job URL wins.
var families = []family{
	{name: FamilyLuogu, host: "luogu.com.cn", route: routeLuogu},
	{name: FamilyCodeforces, host: "codeforces.com", route: routeCodeforces},
	{name: FamilyNowcoder, host: "nowcoder.com", route: routeNowcoder},
}

// Route returns the tasks for job. An unrecognized URL, or a recognized one
// whose required identifiers cannot be determined, yields no tasks.
func Route(job protocol.Job) []Task {
	lang := job.Language
	if lang == "" {
		lang = protocol.DefaultLanguage
	}
	job.Language = lang

	for _, f := range families {
		if !strings.Contains(job.URL, f.host) {
			continue
		}
		t, ok := f.route(job)
		if !ok {
			return nil
		}
		t.Family = f.name
		return []Task{t}
	}
	return nil
}

// Match returns the family whose marker appears in url, or "".
func Match(url string) string {
	for _, f := range families {
		if strings.Contains(url, f.host) {
			return f.name
		}
	}
	return ""
}

// Families lists the known family names in priority order.
func Families() []string {
	names := make([]string, len(families))
	for i, f := range families {
		names[i] = f.name
	}
	return names
}

func routeLuogu(job protocol.Job) (Task, bool) {
	dest := job.URL + "#submit"
	return Task{
		Destination: dest,
		Payload:     Payload{URL: dest, Code: job.Code, Language: job.Language},
	}, true
}

func routeNowcoder(job protocol.Job) (Task, bool) {
	return Task{
		Destination: job.URL,
		Payload:     Payload{URL: job.URL, Code: job.Code, Language: job.Language},
	}, true
}

var (
	cfContestProblem    = regexp.MustCompile(`/contest/(\d+)/problem/([A-Z0-9]+)`)
	cfContest           = regexp.MustCompile(`/contest/(\d+)`)
	cfProblemsetProblem = regexp.MustCompile(`/problemset/problem/(\d+)/([A-Z0-9]+)`)
)

const cfProblemsetSubmit = "https://codeforces.com/problemset/submit"

// codeforcesTarget resolves the submit page and the problem id embedded in a
// Codeforces URL. The problem id may be empty when only the submit page can
// be determined.
func codeforcesTarget(url string) (submit, problem string) {
	switch {
	case strings.Contains(url, "/contest/"):
		if m := cfContestProblem.FindStringSubmatch(url); m != nil {
			return "https://codeforces.com/contest/" + m[1] + "/submit", m[2]
		}
		if m := cfContest.FindStringSubmatch(url); m != nil {
			return "https://codeforces.com/contest/" + m[1] + "/submit", ""
		}
	case strings.Contains(url, "/problemset/"):
		if m := cfProblemsetProblem.FindStringSubmatch(url); m != nil {
			return cfProblemsetSubmit, m[1] + m[2]
		}
		return cfProblemsetSubmit, ""
	}
	return "", ""
}

func routeCodeforces(job protocol.Job) (Task, bool) {
	submit, problem := codeforcesTarget(job.URL)
	if job.Problem != "" {
		problem = job.Problem
	}
	if submit == "" || problem == "" {
		return Task{}, false
	}
	return Task{
		Destination: submit,
		Payload: Payload{
			URL: submit,
			Code: Submission{
				Source:   job.Code,
				Problem:  problem,
				Language: job.Language,
			},
			Language: job.Language,
		},
	}, true
}
