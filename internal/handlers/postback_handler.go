package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/tidwall/gjson"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/postback"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/provider"
)

// Accepted spellings of each postback field, after any provider FieldMap entry.
var fieldAliases = map[string][]string{
	"user_id":        {"user_id", "userId", "subid", "sub_id"},
	"transaction_id": {"transaction_id", "transactionId", "trans_id", "tx_id"},
	"amount":         {"amount", "payout", "reward"},
	"currency":       {"currency"},
	"offer_name":     {"offer_name", "offerName", "description"},
	"offer_category": {"offer_category", "offerCategory"},
	"signature":      {"signature", "sig"},
	"hash":           {"hash"},
}

type PostbackHandler struct {
	Pipeline  *postback.Pipeline
	Providers *provider.Registry
}

func NewPostbackHandler(p *postback.Pipeline, providers *provider.Registry) *PostbackHandler {
	return &PostbackHandler{Pipeline: p, Providers: providers}
}

// Receive handles GET and POST callbacks for /api/postback/:providerId.
func (h *PostbackHandler) Receive(c *fiber.Ctx) error {
	providerID := strings.ToLower(c.Params("providerId"))
	in := newPostbackInput(c)
	if p, err := h.Providers.Get(c.UserContext(), providerID); err == nil {
		for k, v := range p.FieldMap {
			if name, ok := v.(string); ok && name != "" {
				in.fieldMap[k] = name
			}
		}
	}

	pb := postback.Postback{
		ProviderID:    providerID,
		UserID:        in.get("user_id"),
		TransactionID: in.get("transaction_id"),
		Amount:        in.get("amount"),
		Currency:      in.get("currency"),
		OfferName:     in.get("offer_name"),
		OfferCategory: in.get("offer_category"),
		Signature:     in.get("signature"),
		Hash:          in.get("hash"),
		IP:            c.IP(),
		UserAgent:     c.Get(fiber.HeaderUserAgent),
		Raw:           in.raw(),
	}

	res, err := h.Pipeline.Process(c.UserContext(), pb)
	if err != nil {
		return fail(c, err)
	}
	status := fiber.StatusOK
	if res.Outcome == postback.Failed {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(res)
}

type postbackInput struct {
	query    map[string]string
	form     map[string]string
	json     []byte
	fieldMap map[string]string
}

func newPostbackInput(c *fiber.Ctx) *postbackInput {
	in := &postbackInput{query: map[string]string{}, form: map[string]string{}, fieldMap: map[string]string{}}
	c.Context().QueryArgs().VisitAll(func(k, v []byte) {
		in.query[string(k)] = string(v)
	})
	if c.Method() == fiber.MethodPost {
		ct := strings.ToLower(string(c.Request().Header.ContentType()))
		switch {
		case strings.HasPrefix(ct, fiber.MIMEApplicationJSON):
			if body := c.Body(); gjson.ValidBytes(body) {
				in.json = body
			}
		default:
			c.Request().PostArgs().VisitAll(func(k, v []byte) {
				in.form[string(k)] = string(v)
			})
		}
	}
	return in
}

func (in *postbackInput) get(field string) string {
	names := fieldAliases[field]
	if mapped, ok := in.fieldMap[field]; ok {
		names = append([]string{mapped}, names...)
	}
	for _, name := range names {
		if v := strings.TrimSpace(in.query[name]); v != "" {
			return v
		}
		if v := strings.TrimSpace(in.form[name]); v != "" {
			return v
		}
		if in.json != nil {
			r := gjson.GetBytes(in.json, name)
			if !r.Exists() {
				continue
			}
			v := r.String()
			if r.Type == gjson.Number {
				// Raw keeps the provider's exact digits, which signatures are computed over.
				v = r.Raw
			}
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func (in *postbackInput) raw() map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range in.query {
		out[k] = v
	}
	for k, v := range in.form {
		out[k] = v
	}
	if in.json != nil {
		gjson.ParseBytes(in.json).ForEach(func(k, v gjson.Result) bool {
			out[k.String()] = v.Value()
			return true
		})
	}
	// Signatures are credentials; keep them out of the stored payload.
	delete(out, "signature")
	delete(out, "sig")
	delete(out, "hash")
	return out
}
