package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/clinloop/ehr-query-agent/internal/session"
)

const transcriptCSS = `
body{font-family:Georgia,serif;color:#1c1917;line-height:1.5;font-size:11pt;}
h1{font-size:18pt;border-bottom:2px solid #0f766e;padding-bottom:0.3rem;}
h2{font-size:12pt;color:#0f766e;margin-top:1.2rem;margin-bottom:0.4rem;}
p{margin:0.3rem 0;}
ul{margin:0.2rem 0 0.6rem 1.2rem;padding:0;}
li{font-size:9.5pt;color:#44403c;}
strong{color:#0f172a;}
table{width:100%;border-collapse:collapse;font-size:9.5pt;}
th,td{border:1px solid #a8a29e;padding:0.3rem 0.4rem;text-align:left;vertical-align:top;}
thead th{background:#f1f5f9;font-weight:700;}
`

// ChromiumPDFRenderer converts a transcript to PDF by rendering its
// markdown to HTML and printing it with a headless Chromium.
type ChromiumPDFRenderer struct {
	chromePath string
}

func NewChromiumPDFRenderer() *ChromiumPDFRenderer {
	return &ChromiumPDFRenderer{chromePath: detectChromePath()}
}

func (r *ChromiumPDFRenderer) TranscriptPDF(ctx context.Context, title string, turns []session.Turn) ([]byte, error) {
	htmlDoc, err := buildHTML(title, turns)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var pdf []byte
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(htmlDoc))
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			footer := `<div style="width:100%;text-align:center;font-size:9px;color:#666;">` +
				`Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`
			out, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(`<div></div>`).
				WithFooterTemplate(footer).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0.5).
				WithMarginBottom(0.75).
				WithMarginLeft(0.45).
				WithMarginRight(0.45).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = out
			return nil
		}),
	); err != nil {
		return nil, err
	}
	return pdf, nil
}

func buildHTML(title string, turns []session.Turn) (string, error) {
	markdown := TranscriptMarkdown(title, turns, time.Now())
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>" + html.EscapeString(title) + "</title>" +
		"<style>" + transcriptCSS +
		"html,body,*{-webkit-print-color-adjust:exact !important;print-color-adjust:exact !important;} " +
		"@media print{ @page{size:auto;margin:12mm;} }" +
		"</style></head><body>" + content.String() + "</body></html>", nil
}

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
