// Package generator renders prototype pages from job payloads and publishes
// them as artifacts. It is the generation callback run by the worker binary.
package generator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strings"
)

// request is the structured payload form. Plain-text payloads become the description.
type request struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Features    []string `json:"features"`
	Accent      string   `json:"accent"`
}

// Scaffold renders a static HTML/CSS/JS prototype. Output depends only on the
// payload, so a retried job republishes the same artifact under the same key.
type Scaffold struct {
	publisher Publisher
}

// NewScaffold builds a generator. A nil publisher skips artifact upload.
func NewScaffold(p Publisher) *Scaffold {
	return &Scaffold{publisher: p}
}

func (s *Scaffold) Generate(ctx context.Context, payload string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req, err := parseRequest(payload)
	if err != nil {
		return nil, err
	}

	css := renderCSS(req.Accent)
	js := scriptSource
	var page bytes.Buffer
	if err := pageTemplate.Execute(&page, pageData{
		Title:       req.Title,
		Description: req.Description,
		Features:    req.Features,
		CSS:         template.CSS(css),
		JS:          template.JS(js),
	}); err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}

	sum := sha256.Sum256([]byte(payload))
	digest := hex.EncodeToString(sum[:8])
	result := map[string]any{
		"title":  req.Title,
		"html":   page.String(),
		"css":    css,
		"js":     js,
		"digest": digest,
	}
	if s.publisher != nil {
		location, err := s.publisher.Publish(ctx, "prototypes/"+digest+"/index.html", page.Bytes(), "text/html; charset=utf-8")
		if err != nil {
			return nil, fmt.Errorf("publish prototype: %w", err)
		}
		result["artifact_url"] = location
	}
	return result, nil
}

func parseRequest(payload string) (request, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return request{}, errors.New("payload is empty")
	}
	var req request
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
			return request{}, fmt.Errorf("decode payload: %w", err)
		}
	} else {
		req.Description = trimmed
	}
	if req.Title == "" {
		req.Title = "Prototype"
	}
	return req, nil
}

func renderCSS(accent string) string {
	if accent == "" || strings.ContainsAny(accent, ";{}<>") {
		accent = "#3b5bdb"
	}
	return fmt.Sprintf(cssTemplate, accent)
}

type pageData struct {
	Title       string
	Description string
	Features    []string
	CSS         template.CSS
	JS          template.JS
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>{{.CSS}}</style>
</head>
<body>
<header><h1>{{.Title}}</h1></header>
<main>
{{if .Description}}<p class="lead">{{.Description}}</p>{{end}}
{{if .Features}}<ul class="features">{{range .Features}}<li>{{.}}</li>{{end}}</ul>{{end}}
<button id="cta" type="button">Get started</button>
</main>
<script>{{.JS}}</script>
</body>
</html>
`))

const cssTemplate = `body{font-family:system-ui,sans-serif;margin:0;color:#1f2933}
header{background:%s;color:#fff;padding:2rem}
main{max-width:48rem;margin:2rem auto;padding:0 1rem}
.features li{margin:.5rem 0}
#cta{padding:.75rem 1.5rem;border:0;border-radius:.25rem;cursor:pointer}`

const scriptSource = `document.getElementById("cta").addEventListener("click",function(){this.textContent="Thanks!";});`
