package utils

import (
	"flag"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/meshsync/go-meshsync/common"
)

type DirectoryString struct {
	Value string
}

func (ds *DirectoryString) String() string {
	return ds.Value
}

func (ds *DirectoryString) Set(value string) error {
	ds.Value = expandPath(value)
	return nil
}

// DirectoryFlag is a cli.Flag which expands the received string to an absolute path.
// e.g. ~/meshsync -> /home/username/meshsync
type DirectoryFlag struct {
	Name  string
	Value DirectoryString
	Usage string
}

func (df DirectoryFlag) String() string {
	fmtString := "%s %v\t%v"
	if len(df.Value.Value) > 0 {
		fmtString = "%s \"%v\"\t%v"
	}
	return fmt.Sprintf(fmtString, prefixedNames(df.Name), df.Value.Value, df.Usage)
}

func (df DirectoryFlag) GetName() string {
	return df.Name
}

// Apply is called by cli library, it adds the flag to the flag set for parsing
func (df DirectoryFlag) Apply(set *flag.FlagSet) {
	eachName(df.Name, func(name string) {
		set.Var(&df.Value, name, df.Usage)
	})
}

func eachName(longName string, fn func(string)) {
	for _, name := range strings.Split(longName, ",") {
		fn(strings.TrimSpace(name))
	}
}

func prefixedNames(fullName string) (prefixed string) {
	parts := strings.Split(fullName, ",")
	for i, name := range parts {
		name = strings.TrimSpace(name)
		if len(name) == 1 {
			prefixed += "-" + name
		} else {
			prefixed += "--" + name
		}
		if i < len(parts)-1 {
			prefixed += ", "
		}
	}
	return
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, "~\\") {
		if home := common.HomeDir(); home != "" {
			p = home + p[1:]
		}
	}
	return path.Clean(os.ExpandEnv(p))
}
