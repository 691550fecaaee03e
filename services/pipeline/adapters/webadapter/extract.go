// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package webadapter

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/go-openapi/jsonpointer"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
)

// piece is one extracted document candidate before it becomes a
// Document: content ready for indexing, an optional explicit title, the
// page-level fallback title, and the raw bytes a runbook parse should
// run against. structured marks JSON payloads, whose first line is
// never a usable title.
type piece struct {
	title      string
	fallback   string
	content    string
	structured bool
	runbookRaw []byte
}

// extract picks the extractor for a response. The endpoint's configured
// accessor wins; absent one, the response content type decides.
func extract(ep config.WebEndpoint, res *page) ([]*piece, error) {
	ct := res.contentType
	switch {
	case ep.JSONPointer != "" || strings.Contains(ct, "json"):
		return extractJSON(ep, res.body)
	case ep.XPath != "":
		return extractXPath(ep, res.body)
	case ep.Selector != "" || strings.Contains(ct, "html"):
		return extractHTML(ep, res.body)
	default:
		text := strings.TrimSpace(string(res.body))
		if text == "" {
			return nil, nil
		}
		return []*piece{{content: text, runbookRaw: []byte(text)}}, nil
	}
}

// extractJSON resolves the configured pointer and yields one piece per
// array element, or a single piece for scalar and object targets.
func extractJSON(ep config.WebEndpoint, body []byte) ([]*piece, error) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, pperr.Wrap(pperr.CodeInternal, "endpoint response is not valid JSON", err)
	}

	target := root
	if ep.JSONPointer != "" {
		ptr, err := jsonpointer.New(ep.JSONPointer)
		if err != nil {
			return nil, pperr.Wrap(pperr.CodeConfig, "json_pointer does not parse", err)
		}
		got, _, err := ptr.Get(root)
		if err != nil {
			return nil, pperr.Newf(pperr.CodeInternal, "json_pointer %s matches nothing in the response", ep.JSONPointer)
		}
		target = got
	}

	items, ok := target.([]any)
	if !ok {
		items = []any{target}
	}
	pieces := make([]*piece, 0, len(items))
	for _, item := range items {
		pieces = append(pieces, jsonPiece(item))
	}
	return pieces, nil
}

func jsonPiece(v any) *piece {
	if s, ok := v.(string); ok {
		return &piece{content: s, runbookRaw: []byte(s)}
	}

	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		// Only unmarshalable values (chan, func) error, and Unmarshal
		// cannot produce those.
		raw = []byte{}
	}
	p := &piece{content: string(raw), structured: true, runbookRaw: raw}
	if m, ok := v.(map[string]any); ok {
		for _, key := range []string{"title", "name"} {
			if s, ok := m[key].(string); ok && s != "" {
				p.title = s
				break
			}
		}
	}
	return p
}

// extractHTML yields one piece per CSS match (the whole body when no
// selector is set), converted to markdown.
func extractHTML(ep config.WebEndpoint, body []byte) ([]*piece, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeInternal, "endpoint response is not parsable HTML", err)
	}

	fallback := strings.TrimSpace(doc.Find("title").First().Text())
	var explicit string
	if ep.TitleSelector != "" {
		explicit = strings.TrimSpace(doc.Find(ep.TitleSelector).First().Text())
	}

	sel := ep.Selector
	if sel == "" {
		sel = "body"
	}

	var pieces []*piece
	doc.Find(sel).Each(func(_ int, node *goquery.Selection) {
		frag, err := goquery.OuterHtml(node)
		if err != nil {
			return
		}
		p := &piece{title: explicit, fallback: fallback, content: toMarkdown(frag, node.Text())}
		if p.content == "" {
			return
		}
		// Structured runbooks ride in the first pre block, byte-exact.
		if pre := strings.TrimSpace(node.Find("pre").First().Text()); pre != "" {
			p.runbookRaw = []byte(pre)
		}
		pieces = append(pieces, p)
	})
	return pieces, nil
}

// extractXPath yields one piece per matched node. htmlquery parses XML
// and HTML alike, so this path serves both.
func extractXPath(ep config.WebEndpoint, body []byte) ([]*piece, error) {
	root, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeInternal, "endpoint response is not parsable markup", err)
	}
	nodes, err := htmlquery.QueryAll(root, ep.XPath)
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "xpath does not parse", err)
	}

	var fallback string
	if t, err := htmlquery.Query(root, "//title"); err == nil && t != nil {
		fallback = strings.TrimSpace(htmlquery.InnerText(t))
	}

	pieces := make([]*piece, 0, len(nodes))
	for _, n := range nodes {
		p := &piece{fallback: fallback, content: toMarkdown(htmlquery.OutputHTML(n, true), htmlquery.InnerText(n))}
		if p.content == "" {
			continue
		}
		if pre, err := htmlquery.Query(n, ".//pre"); err == nil && pre != nil {
			if text := strings.TrimSpace(htmlquery.InnerText(pre)); text != "" {
				p.runbookRaw = []byte(text)
			}
		}
		pieces = append(pieces, p)
	}
	return pieces, nil
}

// toMarkdown converts a markup fragment, falling back to its bare text
// when the converter rejects it.
func toMarkdown(frag, text string) string {
	md, err := htmltomarkdown.ConvertString(frag)
	if err != nil || strings.TrimSpace(md) == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(md)
}

// nextLink resolves the href of the first element the selector matches
// against the page URL. Empty when there is no next page.
func nextLink(body []byte, selector string, base *url.URL) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	href, ok := doc.Find(selector).First().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// withParam returns the URL with the pagination parameter set.
func withParam(rawURL, param string, value int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", pperr.Wrap(pperr.CodeConfig, "endpoint url does not parse", err)
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(value))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
