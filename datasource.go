package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leighmacdonald/steamid/v3/steamid"
	"github.com/leighmacdonald/steamweb/v2"
)

var (
	errDataSourceAPIKey  = errors.New("failed to set steam api key")
	errFetchSummaries    = errors.New("failed to fetch summaries")
	errFetchBans         = errors.New("failed to fetch bans")
	errRequestCreate     = errors.New("failed to create request")
	errRequestPerform    = errors.New("failed to perform request")
	errRequestRead       = errors.New("failed to read response body")
	errRequestDecode     = errors.New("failed to unmarshal json response")
	errDataSourceMissing = errors.New("no data source configured")
)

// SourceBanRecord is a single community sourcebans entry for a player.
type SourceBanRecord struct {
	SiteName    string        `json:"site_name"`
	PersonaName string        `json:"persona_name"`
	SteamID     steamid.SID64 `json:"steam_id"`
	Reason      string        `json:"reason"`
	Duration    time.Duration `json:"duration"`
	Permanent   bool          `json:"permanent"`
	CreatedOn   time.Time     `json:"created_on"`
}

type SourcebansMap map[steamid.SID64][]SourceBanRecord

// DataSource fetches profile and ban reputation data for steam ids.
type DataSource interface {
	Summaries(ctx context.Context, steamIDs steamid.Collection) ([]steamweb.PlayerSummary, error)
	Bans(ctx context.Context, steamIDs steamid.Collection) ([]steamweb.PlayerBanState, error)
	Sourcebans(ctx context.Context, steamIDs steamid.Collection) (SourcebansMap, error)
}

// LocalDataSource queries the steam web api directly using the configured
// api key.
type LocalDataSource struct{}

func NewLocalDataSource(key string) (LocalDataSource, error) {
	if errKey := steamweb.SetKey(key); errKey != nil {
		return LocalDataSource{}, errors.Join(errKey, errDataSourceAPIKey)
	}

	return LocalDataSource{}, nil
}

func (n LocalDataSource) Summaries(ctx context.Context, steamIDs steamid.Collection) ([]steamweb.PlayerSummary, error) {
	summaries, errSummaries := steamweb.PlayerSummaries(ctx, steamIDs)
	if errSummaries != nil {
		return nil, errors.Join(errSummaries, errFetchSummaries)
	}

	return summaries, nil
}

func (n LocalDataSource) Bans(ctx context.Context, steamIDs steamid.Collection) ([]steamweb.PlayerBanState, error) {
	bans, errBans := steamweb.GetPlayerBans(ctx, steamIDs)
	if errBans != nil {
		return nil, errors.Join(errBans, errFetchBans)
	}

	return bans, nil
}

// Sourcebans data is only served by the bd-api service, the steam web api has
// no equivalent endpoint.
func (n LocalDataSource) Sourcebans(_ context.Context, steamIDs steamid.Collection) (SourcebansMap, error) {
	records := SourcebansMap{}
	for _, sid64 := range steamIDs {
		records[sid64] = []SourceBanRecord{}
	}

	return records, nil
}

const bdAPIDefaultAddress = "https://bd-api.roto.lol"

// APIDataSource is a client for the bd-api proxy service, usable without a
// steam api key.
type APIDataSource struct {
	baseURL string
	client  *http.Client
}

func NewAPIDataSource(url string) APIDataSource {
	if url == "" {
		url = bdAPIDefaultAddress
	}

	return APIDataSource{baseURL: url, client: &http.Client{}}
}

func (n APIDataSource) url(path string, collection steamid.Collection) string {
	return fmt.Sprintf("%s%s?steamids=%s", n.baseURL, path, steamIDStringList(collection))
}

func (n APIDataSource) get(ctx context.Context, path string, results any) error {
	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if errReq != nil {
		return errors.Join(errReq, errRequestCreate)
	}

	resp, errResp := n.client.Do(req)
	if errResp != nil {
		return errors.Join(errResp, errRequestPerform)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, errBody := io.ReadAll(resp.Body)
	if errBody != nil {
		return errors.Join(errBody, errRequestRead)
	}

	if errJSON := json.Unmarshal(body, &results); errJSON != nil {
		return errors.Join(errJSON, errRequestDecode)
	}

	return nil
}

func (n APIDataSource) Summaries(ctx context.Context, steamIDs steamid.Collection) ([]steamweb.PlayerSummary, error) {
	var out []steamweb.PlayerSummary
	if errGet := n.get(ctx, n.url("/summary", steamIDs), &out); errGet != nil {
		return nil, errGet
	}

	return out, nil
}

func (n APIDataSource) Bans(ctx context.Context, steamIDs steamid.Collection) ([]steamweb.PlayerBanState, error) {
	var out []steamweb.PlayerBanState
	if errGet := n.get(ctx, n.url("/bans", steamIDs), &out); errGet != nil {
		return nil, errGet
	}

	return out, nil
}

func (n APIDataSource) Sourcebans(ctx context.Context, steamIDs steamid.Collection) (SourcebansMap, error) {
	var out SourcebansMap
	if errGet := n.get(ctx, n.url("/sourcebans", steamIDs), &out); errGet != nil {
		return nil, errGet
	}

	return out, nil
}

// newDataSource selects the reputation backend: the bd-api proxy when enabled,
// otherwise the steam web api with the configured key.
func newDataSource(settings userSettings) (DataSource, error) {
	if settings.BDAPIEnabled {
		return NewAPIDataSource(settings.BDAPIAddress), nil
	}

	if settings.APIKey == "" {
		return nil, errDataSourceMissing
	}

	return NewLocalDataSource(settings.APIKey)
}

func steamIDStringList(collection steamid.Collection) string {
	ids := make([]string, len(collection))
	for index, steamID := range collection {
		ids[index] = steamID.String()
	}

	return strings.Join(ids, ",")
}
