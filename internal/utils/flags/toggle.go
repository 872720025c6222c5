package flags

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/pflag"
)

const (
	toggleTrueConstant             = "true"
	toggleFalseConstant            = "false"
	toggleTypeConstant             = "bool"
	toggleParseErrorTemplate       = "invalid toggle value %q (expected yes/no, on/off, true/false or 1/0)"
	toggleEnabledPlaceholder       = "<YES|no>"
	toggleDisabledPlaceholder      = "<yes|NO>"
	toggleUsageTemplate            = "`%s` %s"
	longFlagPrefixConstant         = "--"
	shortFlagPrefixConstant        = "-"
	flagValueSeparatorConstant     = "="
	argumentTerminatorConstant     = "--"
	shorthandNameLengthConstant    = 1
	registeredToggleLongFormPrefix = "long:"
	registeredToggleShortPrefix    = "short:"
)

var toggleLiterals = map[string]bool{
	"true": true, "yes": true, "on": true, "1": true, "t": true, "y": true,
	"false": false, "no": false, "off": false, "0": false, "f": false, "n": false,
}

var toggleRegistry = struct {
	sync.RWMutex
	names map[string]struct{}
}{names: map[string]struct{}{}}

// AddToggleFlag registers a boolean flag that also accepts a separate yes/no style value,
// so "--force", "--force=no" and "--force no" all parse. target may be nil; read the value
// through the flag set then.
func AddToggleFlag(flagSet *pflag.FlagSet, target *bool, name string, shorthand string, defaultValue bool, usage string) {
	if flagSet == nil || len(name) == 0 {
		return
	}
	value := &toggleValue{current: defaultValue, target: target}
	if target != nil {
		*target = defaultValue
	}
	flagSet.VarP(value, name, shorthand, usage)

	flag := flagSet.Lookup(name)
	flag.NoOptDefVal = toggleTrueConstant
	placeholder := toggleDisabledPlaceholder
	if defaultValue {
		placeholder = toggleEnabledPlaceholder
	}
	flag.Usage = strings.TrimSpace(fmt.Sprintf(toggleUsageTemplate, placeholder, strings.TrimSpace(usage)))

	toggleRegistry.Lock()
	defer toggleRegistry.Unlock()
	toggleRegistry.names[registeredToggleLongFormPrefix+name] = struct{}{}
	if len(shorthand) > 0 {
		toggleRegistry.names[registeredToggleShortPrefix+shorthand] = struct{}{}
	}
}

// NormalizeToggleArguments joins a registered toggle flag with its following value argument
// ("--force no" becomes "--force=no") so pflag does not treat the value as a positional argument.
func NormalizeToggleArguments(arguments []string) []string {
	if len(arguments) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(arguments))
	for index := 0; index < len(arguments); index++ {
		current := arguments[index]
		if current == argumentTerminatorConstant {
			return append(normalized, arguments[index:]...)
		}
		if isBareToggle(current) && index+1 < len(arguments) {
			if _, isLiteral := toggleLiterals[strings.ToLower(arguments[index+1])]; isLiteral {
				normalized = append(normalized, current+flagValueSeparatorConstant+arguments[index+1])
				index++
				continue
			}
		}
		normalized = append(normalized, current)
	}
	return normalized
}

// isBareToggle reports whether argument names a registered toggle without an inline value.
func isBareToggle(argument string) bool {
	if strings.Contains(argument, flagValueSeparatorConstant) {
		return false
	}
	registeredKey := ""
	switch {
	case strings.HasPrefix(argument, longFlagPrefixConstant):
		registeredKey = registeredToggleLongFormPrefix + strings.TrimPrefix(argument, longFlagPrefixConstant)
	case strings.HasPrefix(argument, shortFlagPrefixConstant):
		shorthand := strings.TrimPrefix(argument, shortFlagPrefixConstant)
		if len(shorthand) != shorthandNameLengthConstant {
			return false
		}
		registeredKey = registeredToggleShortPrefix + shorthand
	default:
		return false
	}
	toggleRegistry.RLock()
	defer toggleRegistry.RUnlock()
	_, registered := toggleRegistry.names[registeredKey]
	return registered
}

type toggleValue struct {
	current bool
	target  *bool
}

func (value *toggleValue) Set(rawValue string) error {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if len(normalized) == 0 {
		normalized = toggleTrueConstant
	}
	parsed, known := toggleLiterals[normalized]
	if !known {
		return fmt.Errorf(toggleParseErrorTemplate, rawValue)
	}
	value.current = parsed
	if value.target != nil {
		*value.target = parsed
	}
	return nil
}

func (value *toggleValue) String() string {
	if value != nil && value.current {
		return toggleTrueConstant
	}
	return toggleFalseConstant
}

func (value *toggleValue) Type() string {
	return toggleTypeConstant
}
