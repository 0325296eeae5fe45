// Package identity holds the credential store: per-role identities with a
// shared authentication surface and disjoint profile data.
package identity

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"giftmarket.dev/internal/errs"
)

// Role tags an identity variant.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleSeller    Role = "seller"
	RoleCustomer  Role = "customer"
	RoleCorporate Role = "corporate"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleSeller, RoleCustomer, RoleCorporate}

// Service names one of the independently deployed gateways.
type Service string

const (
	ServiceMain      Service = "main"
	ServiceSeller    Service = "seller"
	ServiceCorporate Service = "corporate"
)

// Services lists every gateway.
var Services = []Service{ServiceMain, ServiceSeller, ServiceCorporate}

var admitted = map[Service][]Role{
	ServiceMain:      {RoleCustomer, RoleAdmin},
	ServiceSeller:    {RoleSeller},
	ServiceCorporate: {RoleCorporate},
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", errs.Invalid("unknown role %q", s)
}

// ParseService validates a service name.
func ParseService(s string) (Service, error) {
	svc := Service(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := admitted[svc]; ok {
		return svc, nil
	}
	return "", errs.Invalid("unknown service %q", s)
}

// Scope is the (role, service) pair a session is restricted to.
type Scope struct {
	Role    Role
	Service Service
}

func (s Scope) String() string { return string(s.Role) + "@" + string(s.Service) }

// Admits reports whether the service accepts identities of the given role.
func (s Service) Admits(role Role) bool {
	for _, r := range admitted[s] {
		if r == role {
			return true
		}
	}
	return false
}

// CheckScope returns ScopeMismatch when the service does not admit the role.
func CheckScope(role Role, svc Service) error {
	if _, ok := admitted[svc]; !ok {
		return errs.Invalid("unknown service %q", svc)
	}
	if !svc.Admits(role) {
		return errs.Newf(errs.KindScopeMismatch, "role %s cannot use the %s service", role, svc)
	}
	return nil
}

// Profile is the role-specific payload of an identity. Exactly one
// implementation exists per role.
type Profile interface {
	Role() Role
	Validate() error
}

// AdminProfile is carried by administrators.
type AdminProfile struct {
	DisplayName string `json:"display_name"`
}

// SellerProfile is carried by storefront operators.
type SellerProfile struct {
	StoreName     string `json:"store_name"`
	PayoutAccount string `json:"payout_account,omitempty"`
	Phone         string `json:"phone,omitempty"`
}

// CustomerProfile is carried by buyers.
type CustomerProfile struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone,omitempty"`
}

// CorporateProfile is carried by B2B buyers.
type CorporateProfile struct {
	Company     string `json:"company"`
	TaxID       string `json:"tax_id,omitempty"`
	ContactName string `json:"contact_name,omitempty"`
}

func (AdminProfile) Role() Role     { return RoleAdmin }
func (SellerProfile) Role() Role    { return RoleSeller }
func (CustomerProfile) Role() Role  { return RoleCustomer }
func (CorporateProfile) Role() Role { return RoleCorporate }

func (p AdminProfile) Validate() error {
	if strings.TrimSpace(p.DisplayName) == "" {
		return errs.Invalid("display_name is required")
	}
	return nil
}

func (p SellerProfile) Validate() error {
	if strings.TrimSpace(p.StoreName) == "" {
		return errs.Invalid("store_name is required")
	}
	return nil
}

func (p CustomerProfile) Validate() error {
	if strings.TrimSpace(p.FullName) == "" {
		return errs.Invalid("full_name is required")
	}
	return nil
}

func (p CorporateProfile) Validate() error {
	if strings.TrimSpace(p.Company) == "" {
		return errs.Invalid("company is required")
	}
	return nil
}

// DecodeProfile unmarshals raw JSON into the profile type of role. An empty
// payload yields the zero profile for that role.
func DecodeProfile(role Role, raw []byte) (Profile, error) {
	var (
		p   Profile
		err error
	)
	empty := len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null"
	switch role {
	case RoleAdmin:
		var v AdminProfile
		if !empty {
			err = json.Unmarshal(raw, &v)
		}
		p = v
	case RoleSeller:
		var v SellerProfile
		if !empty {
			err = json.Unmarshal(raw, &v)
		}
		p = v
	case RoleCustomer:
		var v CustomerProfile
		if !empty {
			err = json.Unmarshal(raw, &v)
		}
		p = v
	case RoleCorporate:
		var v CorporateProfile
		if !empty {
			err = json.Unmarshal(raw, &v)
		}
		p = v
	default:
		return nil, errs.Invalid("unknown role %q", role)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid profile", err)
	}
	return p, nil
}

// Identity is a registered principal of any role.
type Identity struct {
	ID           string
	Role         Role
	Email        string
	PasswordHash string
	Verified     bool
	VerifiedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Profile      Profile
}

// Validate checks invariants that must hold before an identity is persisted.
func (i *Identity) Validate() error {
	if _, err := ParseRole(string(i.Role)); err != nil {
		return err
	}
	if _, err := NormalizeEmail(i.Email); err != nil {
		return err
	}
	if i.Profile == nil {
		return errs.Invalid("profile is required")
	}
	if i.Profile.Role() != i.Role {
		return errs.Invalid("profile for %s does not match role %s", i.Profile.Role(), i.Role)
	}
	return i.Profile.Validate()
}

// IDPrefix returns the identifier prefix used for the role.
func IDPrefix(role Role) string {
	switch role {
	case RoleAdmin:
		return "adm"
	case RoleSeller:
		return "sel"
	case RoleCustomer:
		return "cus"
	case RoleCorporate:
		return "corp"
	}
	return "idn"
}

// NormalizeEmail trims, lowercases and checks the address is well formed.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", errs.Invalid("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", errs.Invalid("email %q is not well formed", email)
	}
	return email, nil
}

// ErrDuplicateEmail is reported when an email is already registered for a role.
var ErrDuplicateEmail = errs.New(errs.KindConflict, "email already registered")

// NotFound builds the not-found error stores report for a missing identity.
func NotFound(role Role, key string) error {
	return errs.Newf(errs.KindNotFound, "%s %s not found", role, key)
}

// String is used in logs.
func (i *Identity) String() string {
	return fmt.Sprintf("%s:%s", i.Role, i.ID)
}
