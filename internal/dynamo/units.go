package dynamo

// Physical constants in the internal unit system.
const (
	// Boltzmann is k_B in kJ/(mol K).
	Boltzmann = 0.0083144626181532

	// PresFac converts kJ/(mol nm^3) to bar.
	PresFac = 16.6054
)

// Conversions for external providers working in eV and Angstrom.
const (
	Ang2Nm     = 0.1
	Nm2Ang     = 1 / Ang2Nm
	EV2KJ      = 96.48533132
	EVAng2KJNm = 964.8533132
)
