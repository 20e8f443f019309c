package extract

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const listingPage = `<html><body>
<article data-test="JobTile">
  <h2><a data-test="job-tile-title-link UpLink" href="/jobs/Build-Go-scraper_~021abc123DEF">Build Go scraper</a></h2>
</article>
<article data-test="JobTile">
  <div><a href="/nx/search/jobs/?q=go">unrelated</a>
  <a href="/jobs/REST-API_~02ffee9900aa?referrer=search">REST API</a></div>
</article>
<article>
  <h2><a data-test="job-tile-title-link UpLink" href="/jobs/Build-Go-scraper_~021abc123DEF">duplicate tile</a></h2>
</article>
<article><p>promo tile without links</p></article>
</body></html>`

func TestListingLinks(t *testing.T) {
	e := New(zap.NewNop())

	links, err := e.ListingLinks(listingPage)
	require.NoError(t, err)

	want := []Link{
		{JobID: "021abc123DEF", URL: "https://www.upwork.com/jobs/~021abc123DEF"},
		{JobID: "02ffee9900aa", URL: "https://www.upwork.com/jobs/~02ffee9900aa"},
	}
	if diff := cmp.Diff(want, links); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}
}

func TestListingLinksEmptyPage(t *testing.T) {
	e := New(zap.NewNop())

	links, err := e.ListingLinks("<html><body><p>log in to continue</p></body></html>")
	require.NoError(t, err)
	assert.Empty(t, links)
}

const detailPage = `<html><body>
<h1>Senior Go developer for scraping pipeline</h1>
<section data-test="Description">
  <p>We need a   backend engineer.</p>
  <p>Fully async, no meetings.</p>
</section>
<div data-test="skills">
  <a href="#">Go</a><a href="#">PostgreSQL</a><span>Go</span>
</div>
<script type="application/json">{
  "job": {"type": "hourly", "hourly_min": "30", "hourly_max": "60", "duration": "3 months", "level": "Expert", "category": "Web Development"},
  "client": {"country": "Germany", "total_spent": "$20K+", "hires": "14", "rating": "4.95", "payment_verified": true}
}</script>
</body></html>`

func TestJobDetail(t *testing.T) {
	e := New(zap.NewNop())

	job, err := e.JobDetail(detailPage, "https://www.upwork.com/jobs/~021abc123DEF")
	require.NoError(t, err)

	assert.Equal(t, "021abc123DEF", job.ID)
	assert.Equal(t, "Senior Go developer for scraping pipeline", job.Title)
	assert.Equal(t, "We need a backend engineer. Fully async, no meetings.", job.Description)
	assert.Equal(t, []string{"Go", "PostgreSQL"}, job.Skills, "skill tokens are deduplicated")

	assert.Equal(t, "hourly", job.Type)
	assert.Equal(t, "30", job.HourlyMin)
	assert.Equal(t, "60", job.HourlyMax)
	assert.Equal(t, "Expert", job.Level)
	assert.Equal(t, "Germany", job.ClientCountry)
	assert.Equal(t, "4.95", job.ClientRating)
	assert.True(t, job.PaymentVerified)
	assert.NotEmpty(t, job.Raw, "state blob is preserved for reprocessing")
}

func TestJobDetailMarkupOnly(t *testing.T) {
	e := New(zap.NewNop())

	page := `<html><body><h1>Fix my site</h1><div data-test="job-description">It is broken</div></body></html>`
	job, err := e.JobDetail(page, "https://www.upwork.com/jobs/~02aa")
	require.NoError(t, err)

	assert.Equal(t, "Fix my site", job.Title)
	assert.Equal(t, "It is broken", job.Description)
	assert.Empty(t, job.HourlyMin)
	assert.False(t, job.PaymentVerified)
}

func TestJobDetailRejectsNonJobPage(t *testing.T) {
	e := New(zap.NewNop())

	_, err := e.JobDetail("<html><body><p>Access denied</p></body></html>", "https://www.upwork.com/jobs/~02aa")
	assert.Error(t, err)
}

func TestJobDetailBadStateBlobKeepsMarkup(t *testing.T) {
	e := New(zap.NewNop())

	page := `<html><body><h1>Title</h1>
<script type="application/json">{"job": truncated</script>
</body></html>`
	job, err := e.JobDetail(page, "https://www.upwork.com/jobs/~02aa")
	require.NoError(t, err)
	assert.Equal(t, "Title", job.Title)
	assert.Empty(t, job.Raw)
}
