package api

import (
	"html/template"
	"io"
	"net/http"
	"strings"

	"atmoslofi/internal/auth"
	"atmoslofi/internal/job"
	"atmoslofi/internal/mix"

	"github.com/gin-gonic/gin"
)

var uiTemplates = template.Must(template.New("layout").Funcs(template.FuncMap{
	"pct": func(v float64) int { return int(v + 0.5) },
}).Parse(`{{define "layout"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>AtmosLofi Studio</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:880px;margin:32px auto;padding:0 16px;color:#e2e8f0;background:#0f172a}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    a{color:#818cf8;text-decoration:none}
    .card{background:#1e293b;border:1px solid #334155;border-radius:10px;padding:16px;margin:12px 0}
    .row{display:flex;gap:12px;flex-wrap:wrap;align-items:center}
    .btn{display:inline-block;background:#6366f1;color:#fff;border:none;padding:10px 14px;border-radius:8px;cursor:pointer}
    .btn.secondary{background:#475569}
    .btn[disabled]{opacity:.4;cursor:not-allowed}
    input[type=text],select{padding:9px 10px;border:1px solid #334155;border-radius:8px;background:#0f172a;color:#e2e8f0}
    .muted{color:#94a3b8}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .list{margin:0;padding-left:18px}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#334155;font-size:12px}
    .status.done{background:#166534}
    .status.error{background:#991b1b}
    .status.processing,.status.uploading{background:#3730a3}
    footer{margin-top:24px;color:#64748b;font-size:12px}
  </style>
</head>
<body>
  <header>
    <h1>AtmosLofi Studio</h1>
    <div class="muted">Queue up to 10 songs and turn them lofi</div>
  </header>
  {{template "content" .}}
  <footer>
    <div>API base: <span class="mono">/api/v1</span> · live updates: <span class="mono">/api/v1/ws</span></div>
  </footer>
</body>
</html>
{{end}}

{{define "home"}}
  {{template "layout" .}}
{{end}}

{{define "content"}}
  {{if .Error}}
  <div class="card" style="border-color:#f87171">
    <strong style="color:#f87171">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}
  <div class="card">
    <h2>Add songs</h2>
    <form method="post" action="/ui/jobs" enctype="multipart/form-data" class="row">
      <input type="file" name="files" accept=".mp3,.wav" multiple required />
      <button class="btn" type="submit">Add to queue</button>
    </form>
    <form method="post" action="/ui/link" class="row" style="margin-top:12px">
      <input type="text" name="url" placeholder="Paste a video link" />
      <button class="btn secondary" type="submit">Fetch</button>
    </form>
  </div>

  <div class="card">
    <h2>Queue</h2>
    {{if .Jobs}}
      <ul class="list">
      {{range .Jobs}}
        <li>
          <div><strong>{{.Name}}</strong> <span class="status {{.Status}}">{{.Status}}</span>
            {{if eq .Status "processing"}}<span class="muted">{{pct .Progress}}%</span>{{end}}</div>
          <div class="muted">
            {{if .Preset}}{{.Preset}}{{end}}{{if .Mood}} · mood {{.Mood}}{{end}}{{if .Error}} · {{.Error}}{{end}}
            {{if eq .Status "done"}} · <a href="/api/v1/jobs/{{.ID}}/download?format=mp3">mp3</a> · <a href="/api/v1/jobs/{{.ID}}/download?format=wav">wav</a>{{end}}
          </div>
        </li>
      {{end}}
      </ul>
    {{else}}
      <div class="muted">No songs queued</div>
    {{end}}
    <form method="post" action="/ui/run" class="row" style="margin-top:12px">
      <select name="preset">
        {{range .Presets}}<option value="{{.ID}}">{{.ID}}</option>{{end}}
      </select>
      <button class="btn" type="submit" {{if or .Running (eq .Pending 0)}}disabled{{end}}>Convert {{.Pending}}</button>
      {{if .Running}}<button class="btn secondary" type="submit" formaction="/ui/cancel">Cancel</button>{{end}}
      <a class="btn secondary" href="/">Refresh</a>
    </form>
  </div>
{{end}}
`))

// RegisterUIRoutes registers minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/", a.UIHome)
	router.POST("/ui/jobs", a.UIAddJobs)
	router.POST("/ui/link", a.UIFetchLink)
	router.POST("/ui/run", a.UIRun)
	router.POST("/ui/cancel", a.UICancel)
}

func (a *API) homeData(errMsg string) gin.H {
	return gin.H{
		"Jobs":    a.jobs.Jobs(),
		"Pending": a.jobs.Pending(),
		"Running": a.jobs.Running(),
		"Presets": mix.Catalog(),
		"Error":   errMsg,
	}
}

// UIHome renders the queue page
func (a *API) UIHome(c *gin.Context) { c.HTML(http.StatusOK, "home", a.homeData("")) }

// UIAddJobs queues uploaded files and redirects back
func (a *API) UIAddJobs(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.HTML(http.StatusBadRequest, "home", a.homeData("invalid upload"))
		return
	}
	var sources []job.Source
	for _, fh := range form.File["files"] {
		f, err := fh.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err == nil {
			sources = append(sources, job.BytesSource(fh.Filename, data))
		}
	}
	if _, err := a.jobs.Enqueue(sources...); err != nil {
		c.HTML(http.StatusBadRequest, "home", a.homeData(err.Error()))
		return
	}
	c.Redirect(http.StatusFound, "/")
}

// UIFetchLink pulls a link into the queue and redirects back
func (a *API) UIFetchLink(c *gin.Context) {
	link := strings.TrimSpace(c.PostForm("url"))
	if link == "" {
		c.Redirect(http.StatusFound, "/")
		return
	}
	if _, err := a.jobs.FetchLink(c.Request.Context(), link); err != nil {
		c.HTML(statusOf(err), "home", a.homeData(err.Error()))
		return
	}
	c.Redirect(http.StatusFound, "/")
}

// UIRun starts a run with a built-in preset and the default mix
func (a *API) UIRun(c *gin.Context) {
	sub, err := a.submission(c, runRequest{Preset: c.PostForm("preset")}, auth.FromContext(c.Request.Context()))
	if err != nil {
		c.HTML(statusOf(err), "home", a.homeData(err.Error()))
		return
	}
	run, err := a.jobs.Reserve(a.baseCtx, sub)
	if err != nil {
		c.Redirect(http.StatusFound, "/")
		return
	}
	go run.Execute()
	c.Redirect(http.StatusFound, "/")
}

// UICancel cancels the active run and redirects back
func (a *API) UICancel(c *gin.Context) {
	a.jobs.Cancel()
	c.Redirect(http.StatusFound, "/")
}
