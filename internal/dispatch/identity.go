package dispatch

import (
	"github.com/spigell/jobscore/internal/ai"
)

// IdentityAssigner maps a credential index to a fixed outbound identity
// profile. The mapping is a pure function of the index.
type IdentityAssigner struct {
	profiles []ai.IdentityProfile
}

func NewIdentityAssigner(profiles []ai.IdentityProfile) *IdentityAssigner {
	return &IdentityAssigner{profiles: append([]ai.IdentityProfile(nil), profiles...)}
}

// Assign returns the profile for a credential index. Indices wrap around the
// configured profiles; without profiles the empty profile is returned.
func (a *IdentityAssigner) Assign(index int) ai.IdentityProfile {
	n := len(a.profiles)
	if n == 0 || index < 0 {
		return ai.IdentityProfile{}
	}
	return a.profiles[index%n]
}

// Len returns the number of configured profiles.
func (a *IdentityAssigner) Len() int {
	return len(a.profiles)
}
