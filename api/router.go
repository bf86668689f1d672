package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// NewRouter configures the HTTP routes behind CORS. Everything under /api
// requires a valid token.
func NewRouter(handler *Handler, verifier *TokenVerifier, corsOrigin string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", handler.Health).Methods("GET")

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(verifier.Middleware)
	protected.HandleFunc("/jobs", handler.SubmitJob).Methods("POST")
	protected.HandleFunc("/events", handler.Events).Methods("GET")
	protected.HandleFunc("/conversions", handler.ListConversions).Methods("GET")
	protected.HandleFunc("/conversions/{id}", handler.GetConversion).Methods("GET")

	origins := []string{"*"}
	if corsOrigin != "" {
		origins = []string{corsOrigin}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: corsOrigin != "",
	})
	return c.Handler(r)
}
