package checkout

import (
	"regexp"
	"strings"

	"github.com/glamlocks/storefront/internal/orders"
)

// Format constraints for the shipping form. Phone follows the national
// mobile pattern, postal codes are fixed-length numeric.
var (
	phonePattern  = regexp.MustCompile(`^(?:\+9665|05)\d{8}$`)
	postalPattern = regexp.MustCompile(`^\d{5}$`)
	emailPattern  = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

const (
	nameMinLen = 2
	nameMaxLen = 100
)

// validateShipping returns field-level error messages, empty when the
// form is acceptable. Address line 2 is the only optional field; guest
// checkout additionally requires a contact email.
func validateShipping(info orders.ShippingInfo, guest bool) map[string]string {
	fieldErrors := make(map[string]string)

	name := strings.TrimSpace(info.Name)
	switch {
	case name == "":
		fieldErrors["name"] = "recipient name is required"
	case len(name) < nameMinLen:
		fieldErrors["name"] = "recipient name is too short"
	case len(name) > nameMaxLen:
		fieldErrors["name"] = "recipient name is too long"
	}

	phone := strings.ReplaceAll(strings.TrimSpace(info.Phone), " ", "")
	if phone == "" {
		fieldErrors["phone"] = "phone number is required"
	} else if !phonePattern.MatchString(phone) {
		fieldErrors["phone"] = "phone number must be a valid mobile number"
	}

	if strings.TrimSpace(info.AddressLine1) == "" {
		fieldErrors["addressLine1"] = "address is required"
	}
	if strings.TrimSpace(info.City) == "" {
		fieldErrors["city"] = "city is required"
	}
	if strings.TrimSpace(info.Province) == "" {
		fieldErrors["province"] = "province is required"
	}

	postal := strings.TrimSpace(info.PostalCode)
	if postal == "" {
		fieldErrors["postalCode"] = "postal code is required"
	} else if !postalPattern.MatchString(postal) {
		fieldErrors["postalCode"] = "postal code must be 5 digits"
	}

	if guest {
		email := strings.TrimSpace(info.Email)
		if email != "" && !emailPattern.MatchString(email) {
			fieldErrors["email"] = "email address is not valid"
		}
	}

	if len(fieldErrors) == 0 {
		return nil
	}
	return fieldErrors
}
