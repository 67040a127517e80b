package ledgerx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"ledger_books/internal/models"
)

const (
	DefaultBaseURL       = "https://api.ledgerx.com/trading"
	DefaultBookStatesURL = "https://trade.ledgerx.com/api/book-states"
	DefaultWebsocketURL  = "wss://api.ledgerx.com/ws"
)

type Client struct {
	BaseURL       string
	BookStatesURL string
	APIKey        string

	HTTP *http.Client
	// Limiter paces the public contract endpoints, which allow 10 requests
	// per minute. Nil disables pacing.
	Limiter *rate.Limiter
}

func NewClient(baseURL, bookStatesURL, apiKey string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	bookStatesURL = strings.TrimRight(strings.TrimSpace(bookStatesURL), "/")
	if bookStatesURL == "" {
		bookStatesURL = DefaultBookStatesURL
	}
	return &Client{
		BaseURL:       baseURL,
		BookStatesURL: bookStatesURL,
		APIKey:        strings.TrimSpace(apiKey),
		HTTP: &http.Client{
			Timeout: 20 * time.Second,
		},
		Limiter: rate.NewLimiter(rate.Every(6*time.Second), 10),
	}
}

// WebsocketURL appends the API token to the market data stream URL.
func WebsocketURL(wsURL, apiKey string) string {
	wsURL = strings.TrimSpace(wsURL)
	if wsURL == "" {
		wsURL = DefaultWebsocketURL
	}
	sep := "?"
	if strings.Contains(wsURL, "?") {
		sep = "&"
	}
	return wsURL + sep + "token=" + url.QueryEscape(apiKey)
}

// ListActiveContracts returns every contract currently trading.
func (c *Client) ListActiveContracts(ctx context.Context) ([]models.Contract, error) {
	var out struct {
		Data []models.Contract `json:"data"`
	}
	q := url.Values{}
	q.Set("active", "true")
	if err := c.get(ctx, c.BaseURL, "/contracts?"+q.Encode(), false, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// RetrieveContract returns the details of a single contract.
func (c *Client) RetrieveContract(ctx context.Context, contractID int64) (models.Contract, error) {
	var out struct {
		Data models.Contract `json:"data"`
	}
	if err := c.get(ctx, c.BaseURL, "/contracts/"+strconv.FormatInt(contractID, 10), false, &out); err != nil {
		return models.Contract{}, err
	}
	return out.Data, nil
}

// GetBookState returns every resting order of a contract together with the
// clock the listing corresponds to. Requires an API key.
func (c *Client) GetBookState(ctx context.Context, contractID int64) (models.BookState, error) {
	var out struct {
		Data models.BookState `json:"data"`
	}
	if err := c.get(ctx, c.BookStatesURL, "/"+strconv.FormatInt(contractID, 10), true, &out); err != nil {
		return models.BookState{}, err
	}
	if out.Data.ContractID == 0 {
		out.Data.ContractID = contractID
	}
	return out.Data, nil
}

func (c *Client) get(ctx context.Context, base, path string, auth bool, out any) error {
	if auth && c.APIKey == "" {
		return fmt.Errorf("GET %s: %w: api key is required", path, ErrAuth)
	}
	if !auth && c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if auth {
		req.Header.Set("Authorization", "JWT "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w: %w", path, ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("GET %s: %w: read body: %w", path, ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			Method:     http.MethodGet,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: retryAfterFromHeader(resp.Header),
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode GET %s: %w", path, err)
	}
	return nil
}
