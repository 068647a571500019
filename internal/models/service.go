package models

import "strings"

// Service is the category of transaction a ticket is queued for.
type Service string

const (
	ServiceBillPayment       Service = "bill_payment"
	ServiceDepositWithdrawal Service = "deposit_withdrawal"
	ServiceTransfer          Service = "transfer"
	ServiceCustomerAdvice    Service = "customer_advice"

	// Legacy services, kept so historical tickets keep their prefixes.
	ServiceWaterBill      Service = "water_bill"
	ServiceBank           Service = "bank"
	ServiceAdministration Service = "administration"
	ServiceSocial         Service = "social"
	ServiceOther          Service = "other"
)

const FallbackPrefix = "GE"

var servicePrefixes = map[Service]string{
	ServiceBillPayment:       "PF",
	ServiceDepositWithdrawal: "DR",
	ServiceTransfer:          "TR",
	ServiceCustomerAdvice:    "CC",
	ServiceWaterBill:         "FE",
	ServiceBank:              "BQ",
	ServiceAdministration:    "AD",
	ServiceSocial:            "SO",
	ServiceOther:             "AU",
}

var serviceAliases = map[string]Service{
	"payement_factures": ServiceBillPayment,
	"depot_retrait":     ServiceDepositWithdrawal,
	"transfert":         ServiceTransfer,
	"conseil_clientele": ServiceCustomerAdvice,
	"facture_eau":       ServiceWaterBill,
	"banque":            ServiceBank,
	"autre":             ServiceOther,
}

// BookableServices are the services a client can take a new ticket for.
var BookableServices = []Service{
	ServiceBillPayment,
	ServiceDepositWithdrawal,
	ServiceTransfer,
	ServiceCustomerAdvice,
}

// Prefix returns the two-letter ticket number prefix for the service.
func (s Service) Prefix() string {
	if prefix, ok := servicePrefixes[s]; ok {
		return prefix
	}
	return FallbackPrefix
}

func (s Service) Bookable() bool {
	for _, candidate := range BookableServices {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseService normalizes a service code, accepting the legacy French codes.
func ParseService(raw string) Service {
	value := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := serviceAliases[value]; ok {
		return alias
	}
	return Service(value)
}
