package principal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Role is the coarse access level of a caller.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAdmin    Role = "ADMIN"
)

// Operation names one guarded entry point of the service.
type Operation string

const (
	OpBorrow       Operation = "loan.borrow"
	OpReturn       Operation = "loan.return"
	OpGetLoan      Operation = "loan.get"
	OpCreateOrder  Operation = "order.create"
	OpCancelOrder  Operation = "order.cancel"
	OpGetOrder     Operation = "order.get"
	OpRegisterItem Operation = "item.register"
	OpGetItem      Operation = "item.get"
)

// capabilities maps each role to the operations it may invoke. Absence
// means denied; there is no fallthrough between roles.
var capabilities = map[Role]map[Operation]bool{
	RoleCustomer: {
		OpBorrow:      true,
		OpReturn:      true,
		OpGetLoan:     true,
		OpCreateOrder: true,
		OpCancelOrder: true,
		OpGetOrder:    true,
		OpGetItem:     true,
	},
	RoleAdmin: {
		OpBorrow:       true,
		OpReturn:       true,
		OpGetLoan:      true,
		OpCreateOrder:  true,
		OpCancelOrder:  true,
		OpGetOrder:     true,
		OpRegisterItem: true,
		OpGetItem:      true,
	},
}

var (
	// ErrUnauthenticated means the bearer token was missing or invalid.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized means the principal's role does not grant the
	// operation, or the record belongs to someone else.
	ErrUnauthorized = errors.New("operation not permitted")
)

// Principal is an authenticated caller.
type Principal struct {
	ID   string
	Role Role
}

// Allowed reports whether the role's capability row grants the operation.
func Allowed(role Role, op Operation) bool {
	return capabilities[role][op]
}

// CanActOn reports whether the principal may act on a record owned by
// ownerID. Admins may act on any record.
func (p Principal) CanActOn(ownerID string) bool {
	return p.Role == RoleAdmin || p.ID == ownerID
}

// Resolver turns a bearer token into a principal.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

// TokenResolver verifies HMAC-signed tokens of the form "id:role:signature"
// where signature is hex(HMAC-SHA256(key, "id:role")). Tokens are minted by
// the identity service with the shared key.
type TokenResolver struct {
	key []byte
}

// NewTokenResolver creates a resolver using the given signing key
func NewTokenResolver(key string) *TokenResolver {
	return &TokenResolver{key: []byte(key)}
}

// MintToken signs a token for the given principal
func (r *TokenResolver) MintToken(id string, role Role) string {
	payload := id + ":" + string(role)
	return payload + ":" + r.sign(payload)
}

// Resolve validates the token signature and returns the embedded principal
func (r *TokenResolver) Resolve(_ context.Context, token string) (Principal, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] == "" {
		return Principal{}, ErrUnauthenticated
	}

	role := Role(parts[1])
	if _, ok := capabilities[role]; !ok {
		return Principal{}, ErrUnauthenticated
	}

	payload := parts[0] + ":" + parts[1]
	if !hmac.Equal([]byte(r.sign(payload)), []byte(parts[2])) {
		return Principal{}, ErrUnauthenticated
	}

	return Principal{ID: parts[0], Role: role}, nil
}

func (r *TokenResolver) sign(payload string) string {
	mac := hmac.New(sha256.New, r.key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
