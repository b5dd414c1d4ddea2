// Package types contains shared type definitions used across multiple packages
package types

import "strings"

// CurrencyCode is an ISO 4217 currency code
type CurrencyCode string

// Supported currencies
const (
	CurrencyUSD CurrencyCode = "USD"
	CurrencyVES CurrencyCode = "VES"
	CurrencyEUR CurrencyCode = "EUR"
	CurrencyGBP CurrencyCode = "GBP"
	CurrencyJPY CurrencyCode = "JPY"
	CurrencyCNY CurrencyCode = "CNY"
	CurrencyMXN CurrencyCode = "MXN"
	CurrencyGTQ CurrencyCode = "GTQ"
	CurrencyHNL CurrencyCode = "HNL"
	CurrencyNIO CurrencyCode = "NIO"
	CurrencyCRC CurrencyCode = "CRC"
	CurrencyPAB CurrencyCode = "PAB"
	CurrencyCOP CurrencyCode = "COP"
	CurrencyPEN CurrencyCode = "PEN"
	CurrencyBOB CurrencyCode = "BOB"
	CurrencyCLP CurrencyCode = "CLP"
	CurrencyARS CurrencyCode = "ARS"
	CurrencyUYU CurrencyCode = "UYU"
	CurrencyPYG CurrencyCode = "PYG"
	CurrencyBRL CurrencyCode = "BRL"
	CurrencyDOP CurrencyCode = "DOP"
	CurrencyCUP CurrencyCode = "CUP"
	CurrencyHTG CurrencyCode = "HTG"
)

// Region groups catalogue currencies for the countries listing
type Region string

// Regions
const (
	RegionNorthAmerica   Region = "north-america"
	RegionCentralAmerica Region = "central-america"
	RegionCaribbean      Region = "caribbean"
	RegionSouthAmerica   Region = "south-america"
	RegionEurope         Region = "europe"
	RegionAsia           Region = "asia"
)

// CurrencyInfo describes a currency served in the countries map
type CurrencyInfo struct {
	Code    CurrencyCode `json:"code"`
	Country string       `json:"country"`
	Name    string       `json:"name"`
	Region  Region       `json:"region"`
}

// SupportedCurrencies is the catalogue of currencies exposed by the service
var SupportedCurrencies = []CurrencyInfo{
	{CurrencyUSD, "United States", "US Dollar", RegionNorthAmerica},
	{CurrencyVES, "Venezuela", "Bolivar", RegionSouthAmerica},
	{CurrencyEUR, "Eurozone", "Euro", RegionEurope},
	{CurrencyGBP, "United Kingdom", "Pound Sterling", RegionEurope},
	{CurrencyJPY, "Japan", "Yen", RegionAsia},
	{CurrencyCNY, "China", "Yuan", RegionAsia},
	{CurrencyMXN, "Mexico", "Mexican Peso", RegionNorthAmerica},
	{CurrencyGTQ, "Guatemala", "Quetzal", RegionCentralAmerica},
	{CurrencyHNL, "Honduras", "Lempira", RegionCentralAmerica},
	{CurrencyNIO, "Nicaragua", "Cordoba", RegionCentralAmerica},
	{CurrencyCRC, "Costa Rica", "Colon", RegionCentralAmerica},
	{CurrencyPAB, "Panama", "Balboa", RegionCentralAmerica},
	{CurrencyCOP, "Colombia", "Colombian Peso", RegionSouthAmerica},
	{CurrencyPEN, "Peru", "Sol", RegionSouthAmerica},
	{CurrencyBOB, "Bolivia", "Boliviano", RegionSouthAmerica},
	{CurrencyCLP, "Chile", "Chilean Peso", RegionSouthAmerica},
	{CurrencyARS, "Argentina", "Argentine Peso", RegionSouthAmerica},
	{CurrencyUYU, "Uruguay", "Uruguayan Peso", RegionSouthAmerica},
	{CurrencyPYG, "Paraguay", "Guarani", RegionSouthAmerica},
	{CurrencyBRL, "Brazil", "Real", RegionSouthAmerica},
	{CurrencyDOP, "Dominican Republic", "Dominican Peso", RegionCaribbean},
	{CurrencyCUP, "Cuba", "Cuban Peso", RegionCaribbean},
	{CurrencyHTG, "Haiti", "Gourde", RegionCaribbean},
}

// InRegion returns the catalogue entries of region, in catalogue order.
// An empty region returns the whole catalogue.
func InRegion(region string) []CurrencyInfo {
	out := make([]CurrencyInfo, 0, len(SupportedCurrencies))
	for _, c := range SupportedCurrencies {
		if region == "" || string(c.Region) == strings.ToLower(region) {
			out = append(out, c)
		}
	}
	return out
}

var supported = func() map[CurrencyCode]struct{} {
	m := make(map[CurrencyCode]struct{}, len(SupportedCurrencies))
	for _, c := range SupportedCurrencies {
		m[c.Code] = struct{}{}
	}
	return m
}()

// IsSupported reports whether code (case-insensitive) is in the catalogue
func IsSupported(code string) bool {
	_, ok := supported[CurrencyCode(strings.ToUpper(code))]
	return ok
}

// FilterSupported keeps only catalogue currencies, normalising keys to upper case
func FilterSupported(rates map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(SupportedCurrencies))
	for code, v := range rates {
		upper := strings.ToUpper(code)
		if IsSupported(upper) {
			out[upper] = v
		}
	}
	return out
}
