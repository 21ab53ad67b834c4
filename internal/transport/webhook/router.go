package webhook

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter монтирует обработчик вебхука на каждый путь из paths
// и admin API, если он включён.
func NewRouter(handler *Handler, admin *Admin, paths []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if len(paths) == 0 {
		paths = []string{DefaultPath}
	}
	for _, path := range paths {
		r.Method(http.MethodPost, path, handler)
	}

	if admin.Enabled() {
		r.Route("/admin", func(r chi.Router) {
			r.Use(admin.authorize)
			r.Get("/events/{eventID}", admin.GetEvent)
			r.Get("/orders/{orderID}/payment", admin.GetOrderPayment)
			r.Post("/events/replay", admin.ReplayEvent)
		})
	}

	return r
}
