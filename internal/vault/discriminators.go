package vault

import (
	"crypto/sha256"
)

// DefaultProgramID is the mainnet Fare Vault program.
const DefaultProgramID = "FAREvmepkHArRWwLjHmwPQGL9Byg8iKF3hu1vewxTSXe"

// DiscriminatorLength is the Anchor discriminator size.
const DiscriminatorLength = 8

type discriminator [DiscriminatorLength]byte

// InstructionKind names a vault instruction.
type InstructionKind string

const (
	InstructionInitialize       InstructionKind = "initialize"
	InstructionPoolRegister     InstructionKind = "pool_register"
	InstructionTrialRegister    InstructionKind = "trial_register"
	InstructionTrialResolveRand InstructionKind = "trial_resolve_rand"
	InstructionUpdateVaultState InstructionKind = "update_vault_state"
)

var instructionKinds = map[discriminator]InstructionKind{
	{175, 175, 109, 31, 13, 152, 155, 237}:  InstructionInitialize,
	{46, 254, 199, 174, 177, 152, 139, 204}: InstructionPoolRegister,
	{212, 33, 155, 17, 177, 86, 161, 221}:   InstructionTrialRegister,
	{130, 235, 124, 151, 81, 25, 16, 192}:   InstructionTrialResolveRand,
	{6, 239, 235, 198, 248, 227, 17, 41}:    InstructionUpdateVaultState,
}

// logKind names a program-emitted event.
type logKind string

const (
	logAdminAddressUpdated               logKind = "AdminAddressUpdated"
	logEvThresholdUpdated                logKind = "EvThresholdUpdated"
	logFeeCharged                        logKind = "FeeCharged"
	logFeeNetworkPercentUpdated          logKind = "FeeNetworkPercentUpdated"
	logMinimumFeeBurnPercentUpdated      logKind = "MinimumFeeBurnPercentUpdated"
	logNetworkFeeRecipientAddressUpdated logKind = "NetworkFeeRecipientAddressUpdated"
	logPoolAccumulatedAmountReleased     logKind = "PoolAccumulatedAmountReleased"
	logPoolAccumulatedAmountUpdated      logKind = "PoolAccumulatedAmountUpdated"
	logPoolManagerUpdated                logKind = "PoolManagerUpdated"
	logPoolRegistered                    logKind = "PoolRegistered"
	logResolverAddressUpdated            logKind = "ResolverAddressUpdated"
	logTrialRegistered                   logKind = "TrialRegistered"
	logTrialResolved                     logKind = "TrialResolved"
)

var logKinds = map[discriminator]logKind{
	{41, 190, 38, 144, 198, 155, 88, 201}:    logAdminAddressUpdated,
	{21, 2, 227, 23, 107, 87, 123, 194}:      logEvThresholdUpdated,
	{10, 15, 44, 253, 165, 0, 86, 248}:       logFeeCharged,
	{189, 92, 88, 176, 214, 84, 9, 234}:      logFeeNetworkPercentUpdated,
	{177, 53, 222, 10, 101, 156, 20, 76}:     logMinimumFeeBurnPercentUpdated,
	{187, 173, 27, 83, 231, 21, 17, 173}:     logNetworkFeeRecipientAddressUpdated,
	{24, 220, 55, 231, 249, 157, 219, 208}:   logPoolAccumulatedAmountReleased,
	{200, 54, 121, 99, 14, 180, 19, 138}:     logPoolAccumulatedAmountUpdated,
	{77, 114, 165, 230, 33, 230, 135, 215}:   logPoolRegistered,
	{23, 231, 0, 252, 138, 48, 163, 241}:     logResolverAddressUpdated,
	{182, 0, 212, 203, 142, 87, 214, 221}:    logTrialRegistered,
	{196, 198, 203, 60, 5, 136, 167, 206}:    logTrialResolved,
}

func init() {
	// PoolManagerUpdated is emitted by program versions newer than the
	// published IDL, so its discriminator follows the Anchor derivation.
	logKinds[anchorEventDiscriminator("PoolManagerUpdated")] = logPoolManagerUpdated
}

// anchorEventDiscriminator derives sha256("event:<Name>")[:8].
func anchorEventDiscriminator(name string) discriminator {
	sum := sha256.Sum256([]byte("event:" + name))
	var d discriminator
	copy(d[:], sum[:DiscriminatorLength])
	return d
}

func splitDiscriminator(data []byte) (discriminator, []byte, bool) {
	var d discriminator
	if len(data) < DiscriminatorLength {
		return d, nil, false
	}
	copy(d[:], data[:DiscriminatorLength])
	return d, data[DiscriminatorLength:], true
}

// LookupInstruction maps raw instruction data to its kind.
func LookupInstruction(data []byte) (InstructionKind, bool) {
	d, _, ok := splitDiscriminator(data)
	if !ok {
		return "", false
	}
	kind, ok := instructionKinds[d]
	return kind, ok
}

// isAdmin reports kinds that are recognised but carry no domain event.
func (k logKind) isAdmin() bool {
	switch k {
	case logAdminAddressUpdated, logEvThresholdUpdated, logFeeNetworkPercentUpdated,
		logMinimumFeeBurnPercentUpdated, logNetworkFeeRecipientAddressUpdated, logResolverAddressUpdated:
		return true
	}
	return false
}
