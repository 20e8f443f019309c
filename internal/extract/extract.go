package extract

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/halfmoonsec/cleargate/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jobIDPattern matches the tilde-prefixed job ID inside listing hrefs.
var jobIDPattern = regexp.MustCompile(`~[0-9a-zA-Z]+`)

const jobURLBase = "https://www.upwork.com/jobs/"

// Extractor pulls job data out of rendered listing and detail pages.
type Extractor struct {
	log *zap.Logger
}

func New(logger *zap.Logger) *Extractor {
	return &Extractor{log: logger.Named("extract")}
}

// Link is one job reference found on a listing page.
type Link struct {
	JobID string
	URL   string
}

// ListingLinks finds every job tile on a search results page and returns the
// canonical job URLs, deduplicated in page order. Tiles are <article> elements;
// the title anchor carries the job href, with a fallback scan over any anchor
// that looks like a job link.
func (e *Extractor) ListingLinks(page string) ([]Link, error) {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	var links []Link
	seen := make(map[string]struct{})
	for _, article := range findAll(root, func(n *html.Node) bool { return n.Data == "article" }) {
		href := tileHref(article)
		if href == "" {
			continue
		}
		id := jobIDPattern.FindString(href)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		links = append(links, Link{JobID: strings.TrimPrefix(id, "~"), URL: jobURLBase + id})
	}
	e.log.Debug("listing parsed", zap.Int("links", len(links)))
	return links, nil
}

// tileHref prefers the dedicated title anchor and falls back to any job href
// inside the tile.
func tileHref(article *html.Node) string {
	for _, a := range findAll(article, func(n *html.Node) bool { return n.Data == "a" }) {
		if strings.Contains(attr(a, "data-test"), "job-tile-title-link") {
			return attr(a, "href")
		}
	}
	for _, a := range findAll(article, func(n *html.Node) bool { return n.Data == "a" }) {
		href := attr(a, "href")
		if strings.Contains(href, "/jobs/") && strings.Contains(href, "~") {
			return href
		}
	}
	return ""
}

// embeddedJob mirrors the JSON state blob a detail page ships alongside the
// markup. Everything is optional; missing fields stay zero.
type embeddedJob struct {
	Job struct {
		Type        string `json:"type"`
		HourlyMin   string `json:"hourly_min"`
		HourlyMax   string `json:"hourly_max"`
		FixedBudget string `json:"fixed_budget_amount"`
		Duration    string `json:"duration"`
		Level       string `json:"level"`
		Category    string `json:"category"`
	} `json:"job"`
	Client struct {
		Country         string `json:"country"`
		TotalSpent      string `json:"total_spent"`
		Hires           string `json:"hires"`
		Rating          string `json:"rating"`
		PaymentVerified bool   `json:"payment_verified"`
	} `json:"client"`
}

// JobDetail extracts a job from a detail page. Markup supplies the title,
// description, and skills; the embedded JSON state blob supplies budget and
// client fields when present. The raw blob is preserved on the job for later
// reprocessing.
func (e *Extractor) JobDetail(page, url string) (schemas.Job, error) {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return schemas.Job{}, fmt.Errorf("parse job detail: %w", err)
	}

	job := schemas.Job{URL: url}
	if id := jobIDPattern.FindString(url); id != "" {
		job.ID = strings.TrimPrefix(id, "~")
	}

	if h1 := findFirst(root, func(n *html.Node) bool { return n.Data == "h1" }); h1 != nil {
		job.Title = collapseSpace(textContent(h1))
	}
	if desc := findFirst(root, isDescriptionNode); desc != nil {
		job.Description = collapseSpace(textContent(desc))
	}
	for _, skillRoot := range findAll(root, func(n *html.Node) bool {
		return attr(n, "data-test") == "skills"
	}) {
		for _, token := range findAll(skillRoot, func(n *html.Node) bool {
			return n.Data == "a" || n.Data == "span" || n.Data == "button"
		}) {
			if s := collapseSpace(textContent(token)); s != "" && !slices.Contains(job.Skills, s) {
				job.Skills = append(job.Skills, s)
			}
		}
	}

	if blob := findStateBlob(root); blob != "" {
		var state embeddedJob
		if err := json.UnmarshalFromString(blob, &state); err != nil {
			e.log.Debug("state blob did not parse, keeping markup fields only", zap.Error(err))
		} else {
			job.Type = state.Job.Type
			job.HourlyMin = state.Job.HourlyMin
			job.HourlyMax = state.Job.HourlyMax
			job.FixedBudget = state.Job.FixedBudget
			job.Duration = state.Job.Duration
			job.Level = state.Job.Level
			job.Category = state.Job.Category
			job.ClientCountry = state.Client.Country
			job.ClientTotalSpent = state.Client.TotalSpent
			job.ClientHires = state.Client.Hires
			job.ClientRating = state.Client.Rating
			job.PaymentVerified = state.Client.PaymentVerified
			job.Raw = []byte(blob)
		}
	}

	if job.Title == "" && job.Description == "" {
		return schemas.Job{}, fmt.Errorf("page has neither title nor description, not a job detail page")
	}
	return job, nil
}

// isDescriptionNode matches the description containers seen across page
// revisions; the data-test casing is not stable.
func isDescriptionNode(n *html.Node) bool {
	if n.Data != "div" && n.Data != "section" {
		return false
	}
	dt := strings.ToLower(attr(n, "data-test"))
	return dt == "description" || dt == "job-description" || strings.Contains(dt, "jobdescription")
}

// findStateBlob returns the body of the first JSON script tag that carries a
// job state object.
func findStateBlob(root *html.Node) string {
	for _, script := range findAll(root, func(n *html.Node) bool { return n.Data == "script" }) {
		if attr(script, "type") != "application/json" {
			continue
		}
		body := strings.TrimSpace(textContent(script))
		if strings.Contains(body, `"job"`) {
			return body
		}
	}
	return ""
}

// -- DOM walking helpers --

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && match(n) {
			found = n
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(root)
	return found
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
