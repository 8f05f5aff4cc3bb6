package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// syncedApp and syncedNumber are the wire shapes fetched from the
// apps/phone-numbers sync endpoints.
type syncedApp struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

type syncedNumber struct {
	Number          string   `json:"number"`
	Subnets         []string `json:"subnets"`
	AppID           string   `json:"app_id"`
	HookEndpoint    string   `json:"hook_endpoint"`
	HookContentType string   `json:"hook_content_type"`
	SipAuthUser     string   `json:"sip_auth_user,omitempty"`
	SipAuthPassword string   `json:"sip_auth_password,omitempty"`
	StaticClientID  string   `json:"static_client_id,omitempty"`
}

// Syncer periodically fetches the apps and phone-number tables from
// configured HTTP endpoints and pushes them into a Directory. A fetch
// failure is logged and retried on the next tick; it never aborts the
// syncer or blocks the caller.
type Syncer struct {
	dir         *Directory
	appsURL     string
	numbersURL  string
	interval    time.Duration
	client      *http.Client
	logger      *slog.Logger
}

// NewSyncer creates a Syncer. Either URL may be empty to skip that sync.
func NewSyncer(dir *Directory, appsURL, numbersURL string, interval time.Duration, logger *slog.Logger) *Syncer {
	return &Syncer{
		dir:        dir,
		appsURL:    appsURL,
		numbersURL: numbersURL,
		interval:   interval,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("subsystem", "directory-sync"),
	}
}

// Run blocks, syncing once immediately and then on every tick, until ctx
// is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	s.syncOnce(ctx)

	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *Syncer) syncOnce(ctx context.Context) {
	if s.appsURL != "" {
		if err := s.syncApps(ctx); err != nil {
			s.logger.Error("apps sync failed", "url", s.appsURL, "error", err)
		}
	}
	if s.numbersURL != "" {
		if err := s.syncNumbers(ctx); err != nil {
			s.logger.Error("phone numbers sync failed", "url", s.numbersURL, "error", err)
		}
	}
}

func (s *Syncer) syncApps(ctx context.Context) error {
	var raw []syncedApp
	if err := s.fetchJSON(ctx, s.appsURL, &raw); err != nil {
		return err
	}
	apps := make([]AppInfo, 0, len(raw))
	for _, a := range raw {
		apps = append(apps, AppInfo{AppID: a.AppID, AppSecret: a.AppSecret})
	}
	s.dir.SyncApps(apps)
	s.logger.Info("apps synced", "count", len(apps))
	return nil
}

func (s *Syncer) syncNumbers(ctx context.Context) error {
	var raw []syncedNumber
	if err := s.fetchJSON(ctx, s.numbersURL, &raw); err != nil {
		return err
	}

	numbers := make([]PhoneNumber, 0, len(raw))
	for _, n := range raw {
		var subnets []net.IPNet
		for _, cidr := range n.Subnets {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				s.logger.Warn("skipping invalid subnet", "number", n.Number, "subnet", cidr, "error", err)
				continue
			}
			subnets = append(subnets, *ipnet)
		}

		ct := HookContentJSON
		if n.HookContentType == string(HookContentProtobuf) {
			ct = HookContentProtobuf
		}

		var auth *SipAuth
		if n.SipAuthUser != "" {
			auth = &SipAuth{Username: n.SipAuthUser, Password: n.SipAuthPassword}
		}

		route := Route{Static: n.StaticClientID}
		if route.Static == "" {
			route.Dynamic = &DynamicRoute{HookEndpoint: n.HookEndpoint}
		}

		numbers = append(numbers, PhoneNumber{
			Number:          n.Number,
			Subnets:         subnets,
			AppID:           n.AppID,
			HookEndpoint:    n.HookEndpoint,
			HookContentType: ct,
			SipAuth:         auth,
			Route:           route,
		})
	}
	s.dir.SyncNumbers(numbers)
	s.logger.Info("phone numbers synced", "count", len(numbers))
	return nil
}

func (s *Syncer) fetchJSON(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{url: url, status: resp.StatusCode}
	}

	return json.NewDecoder(resp.Body).Decode(dst)
}

type httpStatusError struct {
	url    string
	status int
}

func (e *httpStatusError) Error() string {
	return "unexpected status " + http.StatusText(e.status) + " fetching " + e.url
}
