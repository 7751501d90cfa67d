package callback

import (
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const successPage = `<!DOCTYPE html>
<html>
<head>
    <title>Authentication complete</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 640px; margin: 80px auto; padding: 20px; color: #333; }
        .status { padding: 16px; border-radius: 5px; background-color: #d4edda; color: #155724; }
    </style>
</head>
<body>
    <div class="status">
        <p><strong>Authentication complete.</strong></p>
        <p>You may close this window and return to the terminal.</p>
    </div>
</body>
</html>`

const errorPage = `<!DOCTYPE html>
<html>
<head>
    <title>Authentication failed</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 640px; margin: 80px auto; padding: 20px; color: #333; }
        .status { padding: 16px; border-radius: 5px; background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <div class="status">
        <p><strong>Authentication failed: {{.Error}}</strong></p>
        {{if .Description}}<p>{{.Description}}</p>{{end}}
        <p>You may close this window. Details are available in the terminal.</p>
    </div>
</body>
</html>`

var (
	successTmpl = template.Must(template.New("success").Parse(successPage))
	errorTmpl   = template.Must(template.New("error").Parse(errorPage))
)

// Routes builds the listener's HTTP handler. Only GET on the redirect path
// can capture a response; everything else is answered without touching the
// latch.
func (l *Listener) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware(l.logger))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeadersMiddleware)

	r.Get(l.path, l.handleCallback)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if !isAuthorizationResponse(query) {
		http.Error(w, "Not an authorization response", http.StatusBadRequest)
		return
	}

	if !l.latch.CompareAndSwap(false, true) {
		l.logger.Warn("rejected additional authorization response", "request_id", middleware.GetReqID(r.Context()))
		http.Error(w, "Authorization response already received", http.StatusGone)
		return
	}
	l.state.CompareAndSwap(int32(Listening), int32(Captured))

	res := resultFromQuery(query)
	l.logger.Debug("authorization response captured", "result", res)

	render(w, res)

	l.results <- res
}

func render(w http.ResponseWriter, res *Result) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if res.IsError() {
		_ = errorTmpl.Execute(w, map[string]string{
			"Error":       res.Error,
			"Description": res.ErrorDescription,
		})
		return
	}
	_ = successTmpl.Execute(w, nil)
}
