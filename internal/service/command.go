package service

import (
	"strings"

	"github.com/keithlinneman/txkillswitch/internal/xerrors"
)

// Command is a whitespace-split command line. There is no shell and no quoting.
type Command struct {
	Line string
	Path string
	Args []string
}

func ParseCommand(line string) (Command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Command{}, xerrors.New("empty command line")
	}
	return Command{
		Line: strings.Join(parts, " "),
		Path: parts[0],
		Args: parts[1:],
	}, nil
}

func (c Command) String() string { return c.Line }
