package supervisor

import (
	"strconv"

	"github.com/supreme-majesty/siteward/pkg/site"
)

// Shell runs custom start commands. Nothing else in siteward goes
// through a shell.
const Shell = "/bin/sh"

type Strategy string

const (
	StrategyNone     Strategy = "none"
	StrategyStandard Strategy = "standard"
	StrategyCustom   Strategy = "custom"
)

// StandardCommand runs argv (typically the package manager's start
// script) from the site root.
func StandardCommand(s site.Site, argv []string) Command {
	return Command{
		Argv: append([]string(nil), argv...),
		Dir:  s.Root,
		Env:  portEnv(s),
	}
}

// CustomCommand runs the site's StartCommand through the shell.
func CustomCommand(s site.Site) Command {
	return Command{
		Argv: []string{Shell, "-c", s.StartCommand},
		Dir:  s.Root,
		Env:  portEnv(s),
	}
}

// CommandFor picks the start strategy for s. standard is the manifest
// start argv, nil when the tree has none. A custom StartCommand always
// wins; with neither the site is static and nothing runs.
func CommandFor(s site.Site, standard []string) (Command, Strategy) {
	switch {
	case s.StartCommand != "":
		return CustomCommand(s), StrategyCustom
	case len(standard) > 0:
		return StandardCommand(s, standard), StrategyStandard
	}
	return Command{}, StrategyNone
}

func portEnv(s site.Site) []string {
	if s.Port <= 0 {
		return nil
	}
	return []string{"PORT=" + strconv.Itoa(s.Port)}
}
