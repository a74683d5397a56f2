// Package courses loads the per-course metadata the agent's tools need:
// booking endpoints, weather gridpoints, and auth configuration for the
// downstream reservation systems.
package courses

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// URLs are the per-course action endpoints.
type URLs struct {
	Booking      string `yaml:"booking"`
	Reservations string `yaml:"reservations"`
	TeeSheet     string `yaml:"tee_sheet"`
	WeatherGrid  string `yaml:"weather_grid"`
}

// Auth describes how the action worker authenticates against the course's
// reservation system. SecretName points at the externally managed
// credential; the secret value never flows through this service.
type Auth struct {
	TokenURL   string `yaml:"token_url"`
	JWKSURL    string `yaml:"jwks_url"`
	SecretName string `yaml:"secret_name"`
}

// Course is one course's metadata.
type Course struct {
	ID       string `yaml:"-"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
	URLs     URLs   `yaml:"urls"`
	Auth     Auth   `yaml:"auth"`
}

// Catalog is the loaded course set.
type Catalog struct {
	defaultID string
	courses   map[string]Course
}

type catalogFile struct {
	DefaultCourse string            `yaml:"default_course"`
	Courses       map[string]Course `yaml:"courses"`
}

// Load reads a catalog from path. An empty path loads the embedded
// default catalog.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read course catalog: %w", err)
		}
	}
	return parse(data)
}

func parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse course catalog: %w", err)
	}
	if len(file.Courses) == 0 {
		return nil, fmt.Errorf("course catalog is empty")
	}
	if file.DefaultCourse == "" {
		return nil, fmt.Errorf("course catalog missing default_course")
	}
	if _, ok := file.Courses[file.DefaultCourse]; !ok {
		return nil, fmt.Errorf("default_course %q is not in the catalog", file.DefaultCourse)
	}
	for id, c := range file.Courses {
		if c.Name == "" {
			return nil, fmt.Errorf("course %q missing name", id)
		}
		c.ID = id
		file.Courses[id] = c
	}
	return &Catalog{defaultID: file.DefaultCourse, courses: file.Courses}, nil
}

// Get returns the course with the given id.
func (c *Catalog) Get(id string) (Course, bool) {
	course, ok := c.courses[id]
	return course, ok
}

// Default returns the catalog's default course.
func (c *Catalog) Default() Course {
	return c.courses[c.defaultID]
}

// IDs returns the course ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.courses))
	for id := range c.courses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
