package server

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// ErrInvalidDomain is wrapped by every domain-validation failure, so
// callers can match on it the way the bus server matches on
// InvalidDomain from the original daemon.
var ErrInvalidDomain = fmt.Errorf("invalid domain")

// idnaProfile mirrors libidn2's IDNA2008 lookup behaviour (NFC
// normalization plus lookup validation) used by the original daemon's
// bus ingress.
var idnaProfile = idna.New(
	idna.ValidateLabels(true),
	idna.VerifyDNSLength(false),
	idna.StrictDomainName(false),
)

// validateDomain enforces the invariant shared by every routing_domains
// and search_domains entry: no "..", correct DNS label syntax, and a
// successful IDN-A/NFC lookup. The root domain "." is exempt, since it
// is not itself an IDN label.
func validateDomain(d string) error {
	if d == "." {
		return nil
	}
	if strings.Contains(d, "..") {
		return fmt.Errorf("%w: %q contains empty label", ErrInvalidDomain, d)
	}
	if _, ok := dns.IsDomainName(d); !ok {
		return fmt.Errorf("%w: %q is not a syntactically valid domain name", ErrInvalidDomain, d)
	}
	if _, err := idnaProfile.ToUnicode(d); err != nil {
		return fmt.Errorf("%w: %q failed IDN-A/NFC lookup: %v", ErrInvalidDomain, d, err)
	}
	return nil
}

func validateDomains(ds []string) error {
	for _, d := range ds {
		if err := validateDomain(d); err != nil {
			return err
		}
	}
	return nil
}
