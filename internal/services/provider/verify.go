package provider

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/apperrors"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
)

// Payload is the part of a postback that verification reads. Amount is the amount
// string exactly as the provider sent it.
type Payload struct {
	UserID        string
	TransactionID string
	Amount        string
	Currency      string
	Signature     string
	Hash          string
	IP            string
}

type Verifier interface {
	Method() models.VerificationMethod
	Verify(p *models.Provider, in Payload) error
}

// Verification is what was checked and whether it counted.
type Verification struct {
	Method   models.VerificationMethod
	Verified bool
}

// SignatureVerifier checks hex(HMAC-SHA256(secret, "userId:transactionId:amount:currency")).
type SignatureVerifier struct{}

func (SignatureVerifier) Method() models.VerificationMethod { return models.VerifySignature }

func (SignatureVerifier) Verify(p *models.Provider, in Payload) error {
	if !p.HasSecret() || in.Signature == "" {
		return verificationFailed("signature missing")
	}
	data := fmt.Sprintf("%s:%s:%s:%s", in.UserID, in.TransactionID, in.Amount, in.Currency)
	if !equalHex(Sign(p.SecretKey, data), in.Signature) {
		return verificationFailed("invalid signature")
	}
	return nil
}

// Sign returns hex(HMAC-SHA256(secret, data)).
func Sign(secret, data string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// HashVerifier checks hex(MD5(userId + transactionId + amount + secret)).
type HashVerifier struct{}

func (HashVerifier) Method() models.VerificationMethod { return models.VerifyHash }

func (HashVerifier) Verify(p *models.Provider, in Payload) error {
	if !p.HasSecret() || in.Hash == "" {
		return verificationFailed("hash missing")
	}
	sum := md5.Sum([]byte(in.UserID + in.TransactionID + in.Amount + p.SecretKey))
	if !equalHex(hex.EncodeToString(sum[:]), in.Hash) {
		return verificationFailed("invalid hash")
	}
	return nil
}

// IPAllowListVerifier accepts source addresses that match an allow-list entry, either an
// exact address or a CIDR prefix.
type IPAllowListVerifier struct{}

func (IPAllowListVerifier) Method() models.VerificationMethod { return models.VerifyIPAllowList }

func (IPAllowListVerifier) Verify(p *models.Provider, in Payload) error {
	if len(p.IPAllowList) == 0 || in.IP == "" {
		return verificationFailed("source address missing")
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(in.IP))
	if err != nil {
		return verificationFailed("invalid source address")
	}
	if !allowed(p.IPAllowList, addr.Unmap()) {
		return verificationFailed("IP not allow-listed")
	}
	return nil
}

func allowed(list []string, addr netip.Addr) bool {
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		a, err := netip.ParseAddr(entry)
		if err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// NoneVerifier accepts everything; the postback is recorded as unverified.
type NoneVerifier struct{}

func (NoneVerifier) Method() models.VerificationMethod { return models.VerifyNone }

func (NoneVerifier) Verify(*models.Provider, Payload) error { return nil }

// Select returns the verifier for a postback. An explicit provider method always wins.
// Otherwise the first of signature, hash and IP allow-list whose credential is configured
// on the provider and present in the payload is used, and NoneVerifier when there is none.
func Select(p *models.Provider, in Payload) Verifier {
	switch p.Verification {
	case models.VerifySignature:
		return SignatureVerifier{}
	case models.VerifyHash:
		return HashVerifier{}
	case models.VerifyIPAllowList:
		return IPAllowListVerifier{}
	case models.VerifyNone:
		return NoneVerifier{}
	}
	switch {
	case p.HasSecret() && in.Signature != "":
		return SignatureVerifier{}
	case p.HasSecret() && in.Hash != "":
		return HashVerifier{}
	case len(p.IPAllowList) > 0 && in.IP != "":
		return IPAllowListVerifier{}
	}
	return NoneVerifier{}
}

// Verify runs the selected verifier.
func Verify(p *models.Provider, in Payload) (Verification, error) {
	v := Select(p, in)
	if err := v.Verify(p, in); err != nil {
		return Verification{Method: v.Method()}, err
	}
	return Verification{Method: v.Method(), Verified: v.Method() != models.VerifyNone}, nil
}

// ValidateAllowList rejects entries that are neither an address nor a CIDR prefix.
func ValidateAllowList(list []string) error {
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if _, err := netip.ParsePrefix(entry); err != nil {
				return apperrors.New(apperrors.InvalidInput, "provider.ValidateAllowList", fmt.Sprintf("invalid CIDR %q", entry))
			}
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return apperrors.New(apperrors.InvalidInput, "provider.ValidateAllowList", fmt.Sprintf("invalid IP %q", entry))
		}
	}
	return nil
}

func equalHex(expected, given string) bool {
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(given))))
}

func verificationFailed(reason string) error {
	return apperrors.New(apperrors.VerificationFailed, "provider.Verify", reason)
}
