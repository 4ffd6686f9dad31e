package api

import (
	"net/http"
	"net/netip"
	"slices"
	"sync"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
	"codeberg.org/mutker/netsentry/internal/sensors"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

const (
	summaryRange     = 24 * time.Hour
	summaryPeriod    = "24h"
	portHistoryLimit = 100

	scanCommon = "common"
	scanRange  = "range"
	scanCustom = "custom"

	maxScanPorts       = 1024
	maxScanIPs         = 16
	scanIPWorkers      = 4
	defaultScanTimeout = time.Second
	maxScanTimeout     = 10 * time.Second
)

// Metric summary

type summaryResponse struct {
	DeviceID string                 `json:"device_id"`
	Period   string                 `json:"period"`
	Summary  []models.MetricSummary `json:"summary"`
}

func (s *Server) metricsSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Device(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	summary, err := s.store.SummarizeSamples(r.Context(), id, s.now().Add(-summaryRange))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{DeviceID: id, Period: summaryPeriod, Summary: nonNil(summary)})
}

// Vendor reidentification

type reidentifyResponse struct {
	TotalUnknown int `json:"total_unknown"`
	Updated      int `json:"updated"`
}

func (s *Server) reidentifyDevices(w http.ResponseWriter, r *http.Request) {
	if s.reidentify == nil {
		writeError(w, http.StatusServiceUnavailable, "vendor lookup is not configured", errors.ErrUnavailable)
		return
	}

	total, updated, err := s.reidentify.Reidentify(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.log.Info().Int("total_unknown", total).Int("updated", updated).Msg("Vendors reidentified")
	writeJSON(w, http.StatusOK, reidentifyResponse{TotalUnknown: total, Updated: updated})
}

// Groups

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(groups))
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decodeBody(w, r, &req) {
		return
	}

	g := &models.DeviceGroup{
		Name:        req.Name,
		Description: req.Description,
		Color:       req.Color,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateGroup(r.Context(), g); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteGroup(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Port scans

type portScanRequest struct {
	IPs            []string `json:"ips"`
	ScanType       string   `json:"scan_type"`
	CustomPorts    []int    `json:"custom_ports"`
	PortRangeStart int      `json:"port_range_start"`
	PortRangeEnd   int      `json:"port_range_end"`
	// Timeout is the per port connect timeout in seconds.
	Timeout float64 `json:"timeout"`
}

// ports resolves the request to the list of ports to scan, or a message
// describing why it is invalid.
func (req portScanRequest) ports() ([]int, string) {
	switch req.ScanType {
	case "", scanCommon:
		return sensors.CommonPortList(), ""
	case scanRange:
		start, end := req.PortRangeStart, req.PortRangeEnd
		if start < 1 || end > 65535 || start > end {
			return nil, "invalid port range"
		}
		if end-start+1 > maxScanPorts {
			return nil, "port range too large"
		}
		ports := make([]int, 0, end-start+1)
		for p := start; p <= end; p++ {
			ports = append(ports, p)
		}
		return ports, ""
	case scanCustom:
		if len(req.CustomPorts) == 0 {
			return nil, "custom_ports is required"
		}
		ports := slices.Clone(req.CustomPorts)
		slices.Sort(ports)
		ports = slices.Compact(ports)
		if ports[0] < 1 || ports[len(ports)-1] > 65535 {
			return nil, "invalid port in custom_ports"
		}
		if len(ports) > maxScanPorts {
			return nil, "too many ports"
		}
		return ports, ""
	default:
		return nil, "unknown scan_type " + req.ScanType
	}
}

func (req portScanRequest) timeout() (time.Duration, bool) {
	if req.Timeout == 0 {
		return defaultScanTimeout, true
	}
	d := time.Duration(req.Timeout * float64(time.Second))
	return d, d > 0 && d <= maxScanTimeout
}

type portScanResponse struct {
	Results        map[string][]sensors.PortResult `json:"results"`
	TotalIPs       int                             `json:"total_ips"`
	TotalOpenPorts int                             `json:"total_open_ports"`
}

func (s *Server) scanPorts(w http.ResponseWriter, r *http.Request) {
	var req portScanRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ips, msg := scanTargets(req.IPs)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg, errors.ErrInvalidArgument)
		return
	}
	ports, msg := req.ports()
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg, errors.ErrInvalidArgument)
		return
	}
	timeout, ok := req.timeout()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid timeout", errors.ErrInvalidArgument)
		return
	}

	scanner := s.newScanner(timeout)
	resp := portScanResponse{Results: make(map[string][]sensors.PortResult, len(ips)), TotalIPs: len(ips)}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(scanIPWorkers)
	for _, ip := range ips {
		g.Go(func() error {
			open := scanner.Scan(r.Context(), ip, ports)
			mu.Lock()
			resp.Results[ip] = nonNil(open)
			resp.TotalOpenPorts += len(open)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := s.storePortScans(r, resp.Results); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.log.Info().
		Int("ips", resp.TotalIPs).
		Int("ports", len(ports)).
		Int("open", resp.TotalOpenPorts).
		Msg("Port scan completed")
	writeJSON(w, http.StatusOK, resp)
}

// storePortScans records the open ports of scanned addresses that belong to
// a known device. Results for unknown addresses are only returned.
func (s *Server) storePortScans(r *http.Request, results map[string][]sensors.PortResult) error {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		return err
	}

	at := s.now().UTC()
	var scans []*models.PortScan
	for _, d := range devices {
		for _, res := range results[d.IP] {
			scans = append(scans, &models.PortScan{
				DeviceID:  d.ID,
				Port:      res.Port,
				State:     res.State,
				Service:   res.Service,
				Timestamp: at,
			})
		}
	}

	return s.store.InsertPortScans(r.Context(), scans)
}

// scanTargets validates and deduplicates the requested addresses.
func scanTargets(raw []string) ([]string, string) {
	if len(raw) == 0 {
		return nil, "ips is required"
	}

	seen := make(map[string]struct{}, len(raw))
	ips := make([]string, 0, len(raw))
	for _, v := range raw {
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, "invalid ip " + v
		}
		ip := addr.String()
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}
	if len(ips) > maxScanIPs {
		return nil, "too many ips"
	}

	return ips, ""
}

type portHistoryResponse struct {
	DeviceID   string               `json:"device_id"`
	Ports      []models.PortHistory `json:"ports"`
	TotalScans int                  `json:"total_scans"`
}

func (s *Server) portHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Device(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	history, total, err := s.store.PortHistory(r.Context(), id, portHistoryLimit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, portHistoryResponse{DeviceID: id, Ports: nonNil(history), TotalScans: total})
}
