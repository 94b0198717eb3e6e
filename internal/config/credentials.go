package config

import (
	"strings"

	"opendata/internal/source"
)

// Environment variables consulted when the matching flag is empty.
const (
	EnvCensusKey    = "CENSUS_API_KEY"
	EnvSocrataToken = "DATA_GOV_APP_TOKEN"
)

// MinCensusKeyLen is the shortest key accepted. Census keys are 40 hex
// characters; anything much shorter is a placeholder.
const MinCensusKeyLen = 30

// Credentials are the optional API tokens, resolved once in main and passed
// down explicitly.
type Credentials struct {
	CensusKey    string
	SocrataToken string
}

// ResolveCredentials picks each token from its flag value, else from the
// environment via getenv. It never fails: missing or implausible tokens are
// dropped and reported as warnings, and requests go out unauthenticated.
func ResolveCredentials(censusFlag, socrataFlag string, getenv func(string) string) (Credentials, []string) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	var warnings []string

	census := strings.TrimSpace(censusFlag)
	if census == "" {
		census = strings.TrimSpace(getenv(EnvCensusKey))
	}
	switch {
	case census == "":
		warnings = append(warnings, "no Census API key; requests are unauthenticated and rate limited")
	case len(census) < MinCensusKeyLen:
		warnings = append(warnings, "Census API key looks invalid (too short); ignoring it")
		census = ""
	}

	socrata := strings.TrimSpace(socrataFlag)
	if socrata == "" {
		socrata = strings.TrimSpace(getenv(EnvSocrataToken))
	}
	if socrata == "" {
		warnings = append(warnings, "no Socrata app token; requests are throttled more aggressively")
	}

	return Credentials{CensusKey: census, SocrataToken: socrata}, warnings
}

// TokenFor returns the credential used for kind.
func (c Credentials) TokenFor(kind source.Kind) string {
	switch kind {
	case source.KindCensus:
		return c.CensusKey
	case source.KindSocrata:
		return c.SocrataToken
	default:
		return ""
	}
}
