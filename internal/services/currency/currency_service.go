// Package currency converts provider payouts into the settlement currency.
package currency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/apperrors"
)

// RatesKey is the redis hash holding "FROM:TO" → rate, shared by every process.
const RatesKey = "fx:rates"

type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

type CurrencyService struct {
	Redis  *redis.Client
	Client *http.Client
	APIURL string
	Log    logrus.FieldLogger

	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

func NewCurrencyService(rates map[string]decimal.Decimal, rdb *redis.Client, apiURL string, log logrus.FieldLogger) *CurrencyService {
	s := &CurrencyService{
		Redis:  rdb,
		Client: &http.Client{Timeout: 15 * time.Second},
		APIURL: apiURL,
		Log:    log,
		rates:  map[string]decimal.Decimal{},
	}
	for k, v := range rates {
		s.rates[strings.ToUpper(k)] = v
	}
	return s
}

func pairKey(from, to string) string {
	return strings.ToUpper(from) + ":" + strings.ToUpper(to)
}

// Convert returns amount expressed in to, rounded to cents.
func (s *CurrencyService) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	const op = "currency.Convert"
	from, to = strings.ToUpper(strings.TrimSpace(from)), strings.ToUpper(strings.TrimSpace(to))
	if from == "" || to == "" {
		return decimal.Zero, apperrors.New(apperrors.ConversionFailed, op, "currency code is required")
	}
	if from == to {
		return amount, nil
	}
	if err := ctx.Err(); err != nil {
		return decimal.Zero, apperrors.Wrap(apperrors.ConversionFailed, op, "conversion timed out", err)
	}

	rate, err := s.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate).Round(2), nil
}

// Rate resolves from→to from the local table, then the shared redis cache, trying the
// inverse pair at each level.
func (s *CurrencyService) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	const op = "currency.Rate"
	direct, inverse := pairKey(from, to), pairKey(to, from)

	s.mu.RLock()
	r, ok := s.rates[direct]
	inv, invOK := s.rates[inverse]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}
	if invOK && inv.IsPositive() {
		return decimal.NewFromInt(1).DivRound(inv, 12), nil
	}

	if s.Redis != nil {
		vals, err := s.Redis.HMGet(ctx, RatesKey, direct, inverse).Result()
		if err != nil {
			return decimal.Zero, apperrors.Wrap(apperrors.ConversionFailed, op, "rate lookup failed", err)
		}
		if r, ok := parseRate(vals[0]); ok {
			return r, nil
		}
		if r, ok := parseRate(vals[1]); ok {
			return decimal.NewFromInt(1).DivRound(r, 12), nil
		}
	}
	return decimal.Zero, apperrors.New(apperrors.ConversionFailed, op, fmt.Sprintf("no rate for %s", direct))
}

func parseRate(v interface{}) (decimal.Decimal, bool) {
	str, ok := v.(string)
	if !ok {
		return decimal.Zero, false
	}
	r, err := decimal.NewFromString(str)
	if err != nil || !r.IsPositive() {
		return decimal.Zero, false
	}
	return r, true
}

// SetRate overrides one pair locally.
func (s *CurrencyService) SetRate(from, to string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[pairKey(from, to)] = rate
}

// Refresh pulls {"base": "USD", "rates": {"NGN": 1500, ...}} from APIURL and replaces every
// rate quoted from that base, locally and in the redis cache.
func (s *CurrencyService) Refresh(ctx context.Context) (int, error) {
	if s.APIURL == "" {
		return 0, errors.New("currency: FX_API_URL is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.APIURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read rates: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch rates: status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return 0, errors.New("fetch rates: invalid json")
	}

	base := strings.ToUpper(gjson.GetBytes(body, "base").String())
	if base == "" {
		return 0, errors.New("fetch rates: missing base")
	}
	fresh := map[string]decimal.Decimal{}
	gjson.GetBytes(body, "rates").ForEach(func(k, v gjson.Result) bool {
		r, err := decimal.NewFromString(v.String())
		if err == nil && r.IsPositive() {
			fresh[pairKey(base, k.String())] = r
		}
		return true
	})
	if len(fresh) == 0 {
		return 0, errors.New("fetch rates: no usable rates")
	}

	s.mu.Lock()
	next := make(map[string]decimal.Decimal, len(s.rates)+len(fresh))
	for k, v := range s.rates {
		if !strings.HasPrefix(k, base+":") {
			next[k] = v
		}
	}
	for k, v := range fresh {
		next[k] = v
	}
	s.rates = next
	s.mu.Unlock()

	if s.Redis != nil {
		fields := make(map[string]interface{}, len(fresh))
		for k, v := range fresh {
			fields[k] = v.String()
		}
		if err := s.Redis.HSet(ctx, RatesKey, fields).Err(); err != nil && s.Log != nil {
			s.Log.WithError(err).Warn("fx rates not cached in redis")
		}
	}

	if s.Log != nil {
		s.Log.WithFields(logrus.Fields{"base": base, "rates": len(fresh)}).Info("fx rates refreshed")
	}
	return len(fresh), nil
}
