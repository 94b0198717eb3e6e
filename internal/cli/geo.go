package cli

import (
	"errors"

	"opendata/internal/config"
)

// GeoFlags select a Census geography.
type GeoFlags struct {
	Geo    string
	State  string
	County string
}

// Register adds -geo, -state and -county to fs.
func (g *GeoFlags) Register(fs *FlagSet) {
	fs.StringVar(&g.Geo, "geo", "", "catalog geography name (default: catalog geography)")
	fs.StringVar(&g.State, "state", "", "Census state FIPS code; replaces -geo")
	fs.StringVar(&g.County, "county", "", "Census county FIPS code; requires -state")
}

// Check reports flag combinations that can never resolve.
func (g GeoFlags) Check() error {
	if g.County != "" && g.State == "" {
		return errors.New("-county requires -state")
	}
	return nil
}

// Resolve picks the geography: -state/-county first, then -geo, then the
// catalog default. The returned name is used in snapshot IDs.
func (g GeoFlags) Resolve(c *config.Catalog) (string, config.Geography, error) {
	switch {
	case g.County != "":
		return "state" + g.State + "_county" + g.County, config.Geography{
			For: "county:" + g.County,
			In:  "state:" + g.State,
		}, nil
	case g.State != "":
		return "state" + g.State, config.Geography{For: "state:" + g.State}, nil
	}
	name := g.Geo
	if name == "" {
		name = c.Defaults.Geography
	}
	if name == "" {
		return "", config.Geography{}, errors.New("no geography: pass -geo or set defaults.geography")
	}
	geo, err := c.Geography(name)
	if err != nil {
		return "", config.Geography{}, err
	}
	return name, geo, nil
}
