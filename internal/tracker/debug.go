package tracker

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/marker.tracker/internal/httputil"
)

// SupervisedStatus is the JSON body of the /debug/tracker route.
type SupervisedStatus struct {
	Status
	Supervisor SupervisorStats `json:"supervisor"`
}

// AttachAdminRoutes mounts the tracker status on the tsweb debug page.
func (s *Supervisor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("tracker", "Tracker status and marker poses (JSON)", httputil.GetOnly(s.handleStatus))
}

func (s *Supervisor) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := SupervisedStatus{Status: Describe(s.tracker), Supervisor: s.Stats()}
	httputil.WriteJSON(w, http.StatusOK, body)
}
