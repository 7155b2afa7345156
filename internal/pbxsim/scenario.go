// Package pbxsim simulates the PBX side of both feeds: Delta3 call events
// on a DevLink server and the matching detail-record lines.
package pbxsim

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Call is one scripted call. Durations are simulated time.
type Call struct {
	ID        int64  `yaml:"id"`
	Direction string `yaml:"direction"`
	Caller    string `yaml:"caller"`
	Called    string `yaml:"called"`
	Extension string `yaml:"extension"`
	Agent     string `yaml:"agent"`
	Trunk     string `yaml:"trunk"`
	HuntGroup string `yaml:"hunt_group"`

	// Start is the offset from the beginning of the scenario.
	Start time.Duration `yaml:"start"`
	Ring  time.Duration `yaml:"ring"`
	Talk  time.Duration `yaml:"talk"`
	Hold  time.Duration `yaml:"hold"`
	Park  time.Duration `yaml:"park"`

	Abandoned   bool          `yaml:"abandoned"`
	RecordDelay time.Duration `yaml:"record_delay"`

	// NoEvents sends only the detail record; NoRecord only the events.
	NoEvents bool `yaml:"no_events"`
	NoRecord bool `yaml:"no_record"`
	// RecordCallID overrides the call id written to the detail record.
	RecordCallID int64 `yaml:"record_call_id"`
}

type Scenario struct {
	Name string `yaml:"name"`
	// Speed divides every wait; 10 plays a minute of calls in six seconds.
	Speed float64 `yaml:"speed"`
	Calls []Call  `yaml:"calls"`
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate fills defaults and rejects calls that cannot be played.
func (s *Scenario) Validate() error {
	if s.Speed <= 0 {
		s.Speed = 1
	}
	seen := make(map[int64]bool)
	for i := range s.Calls {
		c := &s.Calls[i]
		if c.ID <= 0 {
			return fmt.Errorf("call %d: id must be positive", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("call %d: duplicate id %d", i, c.ID)
		}
		seen[c.ID] = true

		switch c.Direction {
		case "":
			c.Direction = "inbound"
		case "inbound", "outbound":
		default:
			return fmt.Errorf("call %d: direction must be inbound or outbound", c.ID)
		}
		if c.Trunk == "" {
			c.Trunk = "T9001"
		}
		if c.Ring < 0 || c.Talk < 0 || c.Hold < 0 || c.Park < 0 || c.Start < 0 {
			return fmt.Errorf("call %d: durations must not be negative", c.ID)
		}
	}
	return nil
}

// RandomScenario builds n inbound and outbound calls spread over the given
// span, answered by the given extensions.
func RandomScenario(n int, span time.Duration, extensions []string, rng *rand.Rand) *Scenario {
	if len(extensions) == 0 {
		extensions = []string{"201", "202", "203"}
	}
	groups := []string{"Sales", "Support", ""}

	s := &Scenario{Name: "random", Speed: 1}
	base := int64(1_000_000 + rng.Intn(1_000_000))
	for i := 0; i < n; i++ {
		c := Call{
			ID:          base + int64(i),
			Direction:   "inbound",
			Caller:      "0163296" + strconv.Itoa(1000+rng.Intn(9000)),
			Called:      "200",
			Extension:   extensions[rng.Intn(len(extensions))],
			Trunk:       "T9001",
			HuntGroup:   groups[rng.Intn(len(groups))],
			Start:       time.Duration(rng.Int63n(int64(span) + 1)),
			Ring:        time.Duration(2+rng.Intn(15)) * time.Second,
			Talk:        time.Duration(10+rng.Intn(300)) * time.Second,
			RecordDelay: time.Duration(1+rng.Intn(3)) * time.Second,
		}
		if rng.Intn(4) == 0 {
			c.Direction = "outbound"
			c.Caller, c.Called = c.Extension, "9"+c.Caller
			c.HuntGroup = ""
		}
		if rng.Intn(10) == 0 {
			c.Abandoned = true
			c.Talk = 0
		}
		if rng.Intn(5) == 0 {
			c.Hold = time.Duration(5+rng.Intn(30)) * time.Second
		}
		s.Calls = append(s.Calls, c)
	}
	return s
}
