// Demo webhook receiver for the DPAT image analysis API.
//
// Registering this app in the SectraPathologyImport config UI makes it
// selectable from the right-click context menu in IDS7. Invocations are
// persisted as request JSON files into a per-slide work folder, where an
// out-of-band worker (e.g. slideget thumbnail driven by the stored
// callbackInfo) picks them up.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sectra-medical/dpat-slideget/slideget/logger"
)

const (
	appName         = "demo-slideget"
	appManufacturer = "Sectra (demo)"
	appVersion      = "0.1.0"
	apiMinVersion   = "1.5"
)

type callbackInfo struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// invocation is the payload POSTed when a user activates the app.
type invocation struct {
	Action       string          `json:"action"` // create, modify, delete, cancel
	SlideID      string          `json:"slideId"`
	CallbackInfo callbackInfo    `json:"callbackInfo"`
	Raw          json.RawMessage `json:"-"`
}

type hookServer struct {
	workDir string
}

func main() {
	var (
		bind    = flag.String("bind", "localhost:5006", "listen address")
		workDir = flag.String("workdir", "./slideget-work", "folder for queued requests")
		verbose = flag.Bool("verbose", false, "verbose logging")
	)
	flag.Parse()

	if *verbose {
		logger.SetLogLevel(logger.LogLevelDebug)
	}
	if err := os.MkdirAll(*workDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	srv := &hookServer{workDir: *workDir}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/", srv.handleRegisterInfo)
	r.Get("/info", srv.handleAppInfo)
	r.Post("/", srv.handleInvocation)

	fmt.Printf("listening on %s, queuing requests into %s\n", *bind, *workDir)
	if err := http.ListenAndServe(*bind, r); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// jsonResp serializes data and adds the IA-API version headers.
func jsonResp(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Sectra-ApiVersion", apiMinVersion)
	w.Header().Set("X-Sectra-SoftwareVersion", appVersion)
	json.NewEncoder(w).Encode(data)
}

// handleRegisterInfo serves the user-assisted registration document. The URL
// the user typed in is echoed back via the Host header.
func (s *hookServer) handleRegisterInfo(w http.ResponseWriter, r *http.Request) {
	hostname := r.Host
	jsonResp(w, map[string]interface{}{
		"applicationId": appName,
		"displayName":   appName,
		"url":           fmt.Sprintf("http://%s/", hostname),
		"manufacturer":  appManufacturer,
		"inputTemplate": map[string]string{"type": "wholeSlide"},
		"context":       map[string]string{},
	})
}

func (s *hookServer) handleAppInfo(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, map[string]string{
		"apiVersion":      apiMinVersion,
		"softwareVersion": appVersion,
	})
}

// handleInvocation dispatches user operations from the context menu.
func (s *hookServer) handleInvocation(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var inv invocation
	if err := json.Unmarshal(raw, &inv); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	inv.Raw = raw

	switch inv.Action {
	case "create":
		if err := s.enqueue(inv); err != nil {
			logger.Error("enqueue failed: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jsonResp(w, map[string]interface{}{
			"slideId":            inv.SlideID,
			"displayResult":      "queued for processing",
			"applicationVersion": appVersion,
			"data": map[string]interface{}{
				"context": map[string]string{},
				"result":  nil,
			},
		})
	case "delete", "cancel":
		jsonResp(w, []interface{}{})
	default:
		// modify is never sent for this app: its results are not modifiable
		jsonResp(w, map[string]interface{}{})
	}
}

// enqueue persists the invocation into the slide's work folder. Workers
// pick up the lexicographically latest request file per slide.
func (s *hookServer) enqueue(inv invocation) error {
	if inv.SlideID == "" {
		return fmt.Errorf("invocation without slideId")
	}
	slideDir := filepath.Join(s.workDir, inv.SlideID)
	if err := os.MkdirAll(slideDir, 0755); err != nil {
		return err
	}
	name := fmt.Sprintf("request_%s.json", time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(slideDir, name)
	logger.Info("queuing invocation for slide %s at %s", inv.SlideID, path)
	return os.WriteFile(path, inv.Raw, 0644)
}
