package script

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
	"github.com/t1p-app/companion/internal/browser"
)

// staticPage serves page operations from fixture markup. Clicks are
// recorded and may mutate the document through onClick, which stands in
// for the page's own scripts.
type staticPage struct {
	doc     *goquery.Document
	clicks  []string
	onClick func(doc *goquery.Document, selector string, n int)
}

func newStaticPage(t *testing.T, html string) *staticPage {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return &staticPage{doc: doc}
}

func (p *staticPage) Exists(_ context.Context, selector string) (bool, error) {
	return p.doc.Find(selector).Length() > 0, nil
}

func (p *staticPage) Click(ctx context.Context, selector string) error {
	return p.ClickNth(ctx, selector, 0)
}

func (p *staticPage) ClickNth(_ context.Context, selector string, n int) error {
	if p.doc.Find(selector).Length() <= n {
		return fmt.Errorf("%w: %s[%d]", browser.ErrElementNotFound, selector, n)
	}
	p.clicks = append(p.clicks, fmt.Sprintf("%s[%d]", selector, n))
	if p.onClick != nil {
		p.onClick(p.doc, selector, n)
	}
	return nil
}

func (p *staticPage) Texts(_ context.Context, selector string) ([]string, error) {
	var out []string
	p.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		out = append(out, strings.TrimSpace(s.Text()))
	})
	return out, nil
}

func (p *staticPage) HTML(context.Context) (string, error) {
	return p.doc.Html()
}
