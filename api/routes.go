package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"service-matching/auth"
	"service-matching/dispatch"
	"service-matching/events"
	"service-matching/lifecycle"
	"service-matching/profiles"
)

// Server holds the collaborators the HTTP handlers call into.
type Server struct {
	Requests *lifecycle.Controller
	Profiles *profiles.Service
	// Offers serves dispatch offers. Nil disables the offer routes.
	Offers   *dispatch.Service
	Broker   *events.Broker
	Verifier *auth.Verifier
	// Webhook receives payment processor callbacks. Nil disables the route.
	Webhook http.Handler
	Log     *zap.Logger

	AllowedOrigins    []string
	RequestsPerMinute int
}

func RegisterRoutes(s *Server) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", Health).Methods("GET")
	if s.Webhook != nil {
		router.Handle("/webhooks/stripe", s.Webhook).Methods("POST")
	}

	authed := router.NewRoute().Subrouter()
	authed.Use(authenticate(s.Verifier, s.Log))

	// Request endpoints
	authed.HandleFunc("/requests", s.CreateRequest).Methods("POST")
	authed.HandleFunc("/requests", s.ListRequests).Methods("GET")
	authed.HandleFunc("/requests/available", s.ListAvailable).Methods("GET")
	authed.HandleFunc("/requests/assigned", s.ListAssigned).Methods("GET")
	authed.HandleFunc("/requests/{request_id}", s.GetRequest).Methods("GET")
	authed.HandleFunc("/requests/{request_id}/candidates", s.GetCandidates).Methods("GET")
	authed.HandleFunc("/requests/{request_id}/accept", s.AcceptRequest).Methods("POST")
	authed.HandleFunc("/requests/{request_id}/start", s.StartRequest).Methods("POST")
	authed.HandleFunc("/requests/{request_id}/complete", s.CompleteRequest).Methods("POST")
	authed.HandleFunc("/requests/{request_id}/cancel", s.CancelRequest).Methods("POST")

	if s.Offers != nil {
		authed.HandleFunc("/requests/{request_id}/offers", s.GetRequestOffers).Methods("GET")
		authed.HandleFunc("/offers", s.ListOffers).Methods("GET")
		authed.HandleFunc("/offers/{offer_id}/accept", s.AcceptOffer).Methods("POST")
		authed.HandleFunc("/offers/{offer_id}/reject", s.RejectOffer).Methods("POST")
	}

	// Profile endpoints
	authed.HandleFunc("/profiles", s.CreateProfile).Methods("POST")
	authed.HandleFunc("/profiles/me", s.UpdateProfile).Methods("PUT")
	authed.HandleFunc("/profiles/me", s.GetProfile).Methods("GET")

	// Push notifications
	authed.HandleFunc("/events", s.StreamEvents).Methods("GET")

	origins := s.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	var h http.Handler = router
	if s.RequestsPerMinute > 0 {
		h = newIPLimiter(s.RequestsPerMinute).middleware(h)
	}
	h = cors(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.Log}))(h)
	return requestLogger(s.Log)(h)
}

type recoveryLogger struct{ log *zap.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error("Recovered from panic", zap.Any("panic", v))
}

// Health reports liveness.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
