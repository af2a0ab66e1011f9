package ourutil

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/golang/glog"
)

func Reportf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

func Freportf(logFile io.Writer, f string, args ...interface{}) {
	fmt.Fprintf(logFile, f+"\n", args...)
	glog.Infof(f, args...)
}

// Colored variants for status lines; errors land on stderr in red so
// they stand out of the register chatter.
func Successf(f string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

func Errorf(f string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(os.Stderr, f+"\n", args...)
	glog.Errorf(f, args...)
}
