package research

// Task is one level of the research tree. Every recursive call gets a
// freshly built Task; slices are never shared with siblings.
type Task struct {
	Query       string
	Breadth     int
	Depth       int
	Learnings   []string
	VisitedURLs []string
}

// SerpQuery is a planned search query together with the intent behind it.
type SerpQuery struct {
	Query        string `json:"query"`
	ResearchGoal string `json:"researchGoal"`
}

// Distillation is what the distiller extracted from one query's results.
type Distillation struct {
	Learnings         []string `json:"learnings"`
	FollowUpQuestions []string `json:"followUpQuestions"`
}

// Progress is an advisory snapshot of a running DeepResearch call.
type Progress struct {
	CurrentDepth     int    `json:"current_depth"`
	TotalDepth       int    `json:"total_depth"`
	CurrentBreadth   int    `json:"current_breadth"`
	TotalBreadth     int    `json:"total_breadth"`
	CurrentQuery     string `json:"current_query,omitempty"`
	TotalQueries     int    `json:"total_queries"`
	CompletedQueries int    `json:"completed_queries"`
}

// Result is the deduplicated union of every branch's findings.
type Result struct {
	Learnings   []string `json:"learnings"`
	VisitedURLs []string `json:"visited_urls"`
}

// mergeResults unions the learnings and URLs of rs, keeping the first
// occurrence of each value.
func mergeResults(rs ...Result) Result {
	var learnings, urls [][]string
	for _, r := range rs {
		learnings = append(learnings, r.Learnings)
		urls = append(urls, r.VisitedURLs)
	}
	return Result{
		Learnings:   unique(learnings...),
		VisitedURLs: unique(urls...),
	}
}

func unique(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
