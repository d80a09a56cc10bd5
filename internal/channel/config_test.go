package channel

import (
	"testing"
	"time"
)

func validSettings() Settings {
	return Settings{
		Name:              "merit",
		PoolSize:          16,
		GroupSize:         4,
		CountdownDuration: time.Minute,
		GracePeriod:       30 * time.Second,
		AssignmentMode:    "fixed-schedule",
		BreakDelay:        30 * time.Second,
	}
}

func TestSettingsValidate(t *testing.T) {
	if err := validSettings().Validate(); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty name", func(s *Settings) { s.Name = "" }},
		{"zero group", func(s *Settings) { s.GroupSize = 0 }},
		{"negative overbooking", func(s *Settings) { s.Overbooking = -1 }},
		{"pool smaller than group", func(s *Settings) { s.PoolSize = 3 }},
		{"threshold above pool", func(s *Settings) { s.CountdownThreshold = 17 }},
		{"threshold without duration", func(s *Settings) {
			s.CountdownThreshold = 4
			s.CountdownDuration = 0
		}},
		{"zero grace", func(s *Settings) { s.GracePeriod = 0 }},
		{"unknown mode", func(s *Settings) { s.AssignmentMode = "round-robin" }},
		{"explicit without treatment", func(s *Settings) { s.AssignmentMode = "explicit" }},
		{"negative target", func(s *Settings) { s.TargetSessions = -1 }},
		{"two-pass without break", func(s *Settings) {
			s.TwoPass = true
			s.BreakDelay = 0
		}},
	}
	for _, tc := range cases {
		s := validSettings()
		tc.mutate(&s)
		if err := s.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestSettingsValidateExplicitMode(t *testing.T) {
	s := validSettings()
	s.AssignmentMode = "explicit"
	s.ExplicitTreatment = "exo_v20"
	if err := s.Validate(); err != nil {
		t.Fatalf("explicit mode with treatment rejected: %v", err)
	}
}
