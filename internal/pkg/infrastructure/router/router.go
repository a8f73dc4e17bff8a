package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/integration-uav/internal/pkg/application"
	"github.com/diwise/integration-uav/internal/pkg/application/sequencer"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Router interface {
	Start(port string) error
}

type routerStruct struct {
	router chi.Router
	app    application.IntegrationUAV
	log    zerolog.Logger
}

func SetupRouter(chiRouter chi.Router, app application.IntegrationUAV, log zerolog.Logger) *routerStruct {
	r := &routerStruct{
		router: chiRouter,
		app:    app,
		log:    log,
	}

	chiRouter.Use(middleware.Logger)
	chiRouter.Get("/health", r.health)
	chiRouter.Handle("/metrics", promhttp.Handler())

	chiRouter.Route("/api/realtime", func(rt chi.Router) {
		rt.Get("/devices", r.listDevices)

		rt.Route("/devices/{id}", func(d chi.Router) {
			d.Get("/status", r.deviceStatus)
			d.Get("/messages", r.deviceMessages)
			d.Get("/history", r.deviceHistory)
			d.Post("/command", r.sendCommand)
			d.Post("/connect", r.connectDevice)
			d.Post("/disconnect", r.disconnectDevice)
			d.Post("/task", r.startTask)
			d.Get("/task", r.taskStatus)
			d.Delete("/task", r.stopTask)
		})
	})

	return r
}

func (r *routerStruct) Start(port string) error {
	r.log.Info().Str("port", port).Msg("starting to listen for connections")
	return http.ListenAndServe(fmt.Sprintf(":%s", port), r.router)
}

func (router *routerStruct) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

type devicesResponse struct {
	Telemetry string          `json:"telemetry"`
	Devices   []domain.Device `json:"devices"`
}

func (router *routerStruct) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := router.app.Devices(r.Context())
	if err != nil {
		router.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, devicesResponse{
		Telemetry: string(router.app.TelemetryState()),
		Devices:   devices,
	})
}

func (router *routerStruct) deviceStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := router.deviceID(w, r)
	if !ok {
		return
	}

	state, found := router.app.State(id)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Outcome: string(application.OutcomeNotFound),
			Error:   fmt.Sprintf("no state received for device %d", id),
		})
		return
	}

	writeJSON(w, http.StatusOK, state)
}

func (router *routerStruct) deviceMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := router.deviceID(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, router.app.Messages(id))
}

func (router *routerStruct) deviceHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := router.deviceID(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	records, err := router.app.DeviceHistory(r.Context(), id, limit, offset)
	if err != nil {
		router.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

type commandRequest struct {
	Command string `json:"command"`
}

func (router *routerStruct) sendCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := router.deviceID(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		router.writeError(w, err)
		return
	}

	cmd := strings.TrimSpace(string(body))

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		req := commandRequest{}
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Outcome: string(application.OutcomeDecodeFailed), Error: err.Error()})
			return
		}
		cmd = req.Command
	}

	err = router.app.SendCommand(r.Context(), id, cmd)
	if err != nil {
		router.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (router *routerStruct) connectDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := router.deviceID(w, r)
	if !ok {
		return
	}

	if err := router.app.ConnectDevice(r.Context(), id); err != nil {
		router.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (router *routerStruct) disconnectDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := router.deviceID(w, r)
	if !ok {
		return
	}

	if err := router.app.DisconnectDevice(r.Context(), id); err != nil {
		router.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (router *routerStruct) startTask(w http.ResponseWriter, r *http.Request) {
	id, ok := router.deviceID(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		router.writeError(w, err)
		return
	}

	steps, err := sequencer.ParseSteps(body)
	if err != nil {
		router.writeError(w, err)
		return
	}

	if err := router.app.RunTask(r.Context(), id, steps); err != nil {
		router.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, newTaskStatus(router.app.TaskStatus(id)))
}

type taskResult struct {
	Status    domain.TaskStatus `json:"status"`
	StepIndex int               `json:"stepIndex"`
	Steps     int               `json:"steps"`
	Outcome   string            `json:"outcome"`
	Error     string            `json:"error,omitempty"`
}

type taskStatus struct {
	sequencer.Progress
	Last *taskResult `json:"last,omitempty"`
}

func newTaskStatus(p sequencer.Progress) taskStatus {
	ts := taskStatus{Progress: p}

	if p.Last != nil {
		ts.Last = &taskResult{
			Status:    p.Last.Status,
			StepIndex: p.Last.StepIndex,
			Steps:     p.Last.Steps,
			Outcome:   string(application.OutcomeOf(p.Last.Err)),
		}
		if p.Last.Err != nil {
			ts.Last.Error = p.Last.Err.Error()
		}
	}

	return ts
}

func (router *routerStruct) taskStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := router.deviceID(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, newTaskStatus(router.app.TaskStatus(id)))
}

func (router *routerStruct) stopTask(w http.ResponseWriter, r *http.Request) {
	id, ok := router.deviceID(w, r)
	if !ok {
		return
	}

	if !router.app.StopTask(id) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Outcome: string(application.OutcomeNotFound),
			Error:   fmt.Sprintf("no task running on device %d", id),
		})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (router *routerStruct) deviceID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Outcome: string(application.OutcomeDecodeFailed),
			Error:   "device id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

type errorResponse struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error"`
}

var outcomeStatus = map[application.Outcome]int{
	application.OutcomeDisconnected:    http.StatusServiceUnavailable,
	application.OutcomeDecodeFailed:    http.StatusBadRequest,
	application.OutcomeCommandRejected: http.StatusConflict,
	application.OutcomeStepTimedOut:    http.StatusGatewayTimeout,
	application.OutcomeCancelled:       http.StatusConflict,
	application.OutcomeDeviceBusy:      http.StatusConflict,
	application.OutcomeNotFound:        http.StatusNotFound,
}

func (router *routerStruct) writeError(w http.ResponseWriter, err error) {
	outcome := application.OutcomeOf(err)

	status, ok := outcomeStatus[outcome]
	if !ok {
		status = http.StatusInternalServerError
		if errors.Is(err, application.ErrHistoryDisabled) {
			status = http.StatusNotImplemented
		}
		router.log.Error().Err(err).Msg("request failed")
	}

	writeJSON(w, status, errorResponse{Outcome: string(outcome), Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
