package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/conneroisu/attitude/internal/attitudes"
	atterrors "github.com/conneroisu/attitude/internal/errors"
	"github.com/conneroisu/attitude/internal/keys"
	"github.com/conneroisu/attitude/internal/pagetree"
	"github.com/go-chi/chi/v5"
)

// ChiPattern converts a page route to a chi pattern. ":name" segments become
// "{name}"; a trailing "*" stays a catch-all.
func ChiPattern(route string) (string, error) {
	if route == "" || route == "/" {
		return "/", nil
	}
	segments := strings.Split(strings.Trim(route, "/"), "/")
	for i, seg := range segments {
		switch {
		case strings.HasPrefix(seg, ":"):
			name := seg[1:]
			if name == "" {
				return "", fmt.Errorf("route %s: empty parameter name", route)
			}
			segments[i] = "{" + name + "}"
		case strings.Contains(seg, "*") && (seg != "*" || i != len(segments)-1):
			return "", fmt.Errorf("route %s: wildcard must be the last segment", route)
		}
	}
	return "/" + strings.Join(segments, "/"), nil
}

// BuildRouter assembles the router of one generation. Non-greedy routes are
// registered before greedy ones; a pattern claimed twice keeps its first
// page.
func (s *Server) BuildRouter(tree *pagetree.Tree) (_ http.Handler, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = atterrors.NewInternalError("ROUTER_BUILD", fmt.Sprintf("building router: %v", rec), nil)
		}
	}()

	r := chi.NewRouter()
	r.Use(s.recoverer(tree))
	r.Use(s.opts.Middlewares...)
	r.NotFound(s.statusHandler(tree, http.StatusNotFound))

	var seen []string
	for _, route := range pagetree.SortRoutes(tree.Routes()) {
		pattern, err := ChiPattern(route.Pattern)
		if err != nil {
			return nil, atterrors.NewConfigError("BAD_ROUTE", "invalid route", err).WithPath(route.Page.Dir)
		}
		if slices.Contains(seen, pattern) {
			s.logger.Warn(context.Background(), nil, "route claimed twice, keeping the first page",
				"route", route.Pattern, "page", route.Page.RelativePath)
			continue
		}
		seen = append(seen, pattern)
		r.Handle(pattern, s.pageHandler(tree, route.Page))
	}
	return r, nil
}

func (s *Server) pageHandler(tree *pagetree.Tree, page *pagetree.Page) http.HandlerFunc {
	doc := s.document(page)
	ctrl := attitudes.ControllerOf(page)
	notFound := s.statusHandler(tree, http.StatusNotFound)

	return func(w http.ResponseWriter, r *http.Request) {
		if doc == "" {
			notFound(w, r)
			return
		}
		status := http.StatusOK
		if ctrl != nil {
			for name, value := range ctrl.Headers {
				w.Header().Set(name, value)
			}
			if ctrl.Status != 0 {
				status = ctrl.Status
			}
		}
		if err := s.serveDocument(w, doc, status); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				notFound(w, r)
				return
			}
			panic(err)
		}
	}
}

// document returns the file a page responds with: its source in
// development, its build output in production.
func (s *Server) document(page *pagetree.Page) string {
	for _, name := range s.documentKeys(page) {
		k := page.Key(name)
		if k == nil || !k.IsSet() || k.Origin() == keys.OriginInherited {
			continue
		}
		if p := k.Source(s.opts.Production); p != "" {
			return p
		}
	}
	return ""
}

// documentKeys returns the configured document keys, or every entry-producing
// file key in name order.
func (s *Server) documentKeys(page *pagetree.Page) []string {
	if len(s.opts.Documents) > 0 {
		return s.opts.Documents
	}
	var names []string
	for name, k := range page.Keys {
		def := k.Definition()
		if def.Type == keys.TypeFile && def.Entry != keys.EntryNone {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// serveDocument writes path with status. Markdown sources are rendered.
func (s *Server) serveDocument(w http.ResponseWriter, path string, status int) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if isMarkdown(path) {
		var buf bytes.Buffer
		if err := s.md.Convert(body, &buf); err != nil {
			return fmt.Errorf("render %s: %w", filepath.Base(path), err)
		}
		body = buf.Bytes()
		contentType = "text/html; charset=utf-8"
	}
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
	return nil
}

// statusHandler answers with the status page for code, or a plain body.
func (s *Server) statusHandler(tree *pagetree.Tree, code int) http.HandlerFunc {
	var doc string
	if page, ok := tree.StatusPage(code); ok {
		doc = s.document(page)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if doc != "" && s.serveDocument(w, doc, code) == nil {
			return
		}
		http.Error(w, fmt.Sprintf("%d %s", code, strings.ToLower(http.StatusText(code))), code)
	}
}

// recoverer maps handler panics to 500 responses. Error details are only
// written outside production.
func (s *Server) recoverer(tree *pagetree.Tree) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				s.logger.Error(r.Context(), err, "request handler panicked", "path", r.URL.Path)
				s.serverError(tree, w, err)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) serverError(tree *pagetree.Tree, w http.ResponseWriter, err error) {
	if page, ok := tree.StatusPage(http.StatusInternalServerError); ok {
		if doc := s.document(page); doc != "" && s.serveDocument(w, doc, http.StatusInternalServerError) == nil {
			return
		}
	}
	body := "500 internal server error"
	if !s.opts.Production {
		body = fmt.Sprintf("%s\n\n%v\n\n%s", body, err, debug.Stack())
	}
	http.Error(w, body, http.StatusInternalServerError)
}

func isMarkdown(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}
