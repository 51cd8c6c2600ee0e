package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// KRXAdapter serves Korean equity quotes from the Naver realtime polling
// endpoint. It is quote-only; series requests fail over to the next adapter.
type KRXAdapter struct {
	baseURL    string
	httpClient *http.Client
}

func NewKRXAdapter(baseURL string) *KRXAdapter {
	if baseURL == "" {
		baseURL = "https://polling.finance.naver.com"
	}
	return &KRXAdapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *KRXAdapter) Name() string { return "krx" }

func (a *KRXAdapter) StalenessBound() time.Duration { return time.Minute }

type krxResponse struct {
	ResultCode string `json:"resultCode"`
	Result     struct {
		Areas []struct {
			Datas []krxItem `json:"datas"`
		} `json:"areas"`
		Time int64 `json:"time"`
	} `json:"result"`
}

type krxItem struct {
	Code       string  `json:"cd"`
	Price      float64 `json:"nv"` // current price in KRW
	ChangeRate float64 `json:"cr"` // signed percent
	Volume     float64 `json:"aq"` // accumulated quantity
}

func (a *KRXAdapter) Quote(ctx context.Context, asset Asset) (Quote, error) {
	endpoint := fmt.Sprintf("%s/api/realtime?query=SERVICE_ITEM:%s", a.baseURL, asset.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("building request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("fetching quote: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("API error: %s", string(body))
	}

	var parsed krxResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if parsed.ResultCode != "success" || len(parsed.Result.Areas) == 0 || len(parsed.Result.Areas[0].Datas) == 0 {
		return Quote{}, fmt.Errorf("%w: no data for %s", ErrSchema, asset.ID)
	}

	item := parsed.Result.Areas[0].Datas[0]
	ts := time.Now()
	if parsed.Result.Time > 0 {
		ts = time.UnixMilli(parsed.Result.Time)
	}

	return Quote{
		Asset:        asset,
		Timestamp:    ts,
		Price:        item.Price,
		Volume:       item.Volume,
		ChangePct24h: item.ChangeRate,
		Currency:     "KRW",
		Adapter:      a.Name(),
	}, nil
}

// Series is not served by the polling endpoint; the hub falls over to the
// next adapter in the equity_kr order.
func (a *KRXAdapter) Series(ctx context.Context, asset Asset, width BarWidth, count int) (Series, error) {
	return Series{}, fmt.Errorf("%w: krx series for %s", ErrUnsupported, asset.ID)
}
