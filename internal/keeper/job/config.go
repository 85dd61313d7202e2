package job

const (
	FlagActive                   uint8 = 0x01
	FlagUseJobOwnerCredits       uint8 = 0x02
	FlagAssertResolverSelector   uint8 = 0x04
	FlagCheckKeeperMinCvpDeposit uint8 = 0x08
)

// Config is the job's configuration byte
type Config struct {
	IsActive                 bool
	UseJobOwnerCredits       bool
	AssertResolverSelector   bool
	CheckKeeperMinCvpDeposit bool
}

func ParseConfig(flags uint8) Config {
	return Config{
		IsActive:                 flags&FlagActive != 0,
		UseJobOwnerCredits:       flags&FlagUseJobOwnerCredits != 0,
		AssertResolverSelector:   flags&FlagAssertResolverSelector != 0,
		CheckKeeperMinCvpDeposit: flags&FlagCheckKeeperMinCvpDeposit != 0,
	}
}

// Keeper-side execution flags, sent in the execute calldata
const (
	KeeperFlagAcceptMaxBaseFeeLimit uint8 = 0x01
	KeeperFlagAccrueReward          uint8 = 0x02
)

type KeeperConfig uint8

func NewKeeperConfig(acceptMaxBaseFeeLimit, accrueReward bool) KeeperConfig {
	var c uint8
	if acceptMaxBaseFeeLimit {
		c |= KeeperFlagAcceptMaxBaseFeeLimit
	}
	if accrueReward {
		c |= KeeperFlagAccrueReward
	}
	return KeeperConfig(c)
}

func (c KeeperConfig) AcceptMaxBaseFeeLimit() bool { return uint8(c)&KeeperFlagAcceptMaxBaseFeeLimit != 0 }
func (c KeeperConfig) AccrueReward() bool          { return uint8(c)&KeeperFlagAccrueReward != 0 }
