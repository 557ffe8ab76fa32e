package common

import (
	"io"
	"path/filepath"

	"github.com/inconshreveable/log15"
	"gopkg.in/natefinch/lumberjack.v2"
)

func makeDefaultLogger(absFilePath string) io.Writer {
	return &lumberjack.Logger{
		Filename:   absFilePath,
		MaxSize:    100,
		MaxBackups: 14,
		MaxAge:     14,
		Compress:   true,
		LocalTime:  true,
	}
}

// LogHandler writes logfmt records at or above lvl to a rotating file path/subDir/filename
func LogHandler(path, subDir, filename, lvl string) log15.Handler {
	logLevel, err := log15.LvlFromString(lvl)
	if err != nil {
		logLevel = log15.LvlInfo
	}
	absFilename := filepath.Join(path, subDir, filename)
	out := makeDefaultLogger(absFilename)
	return log15.LvlFilterHandler(logLevel, log15.StreamHandler(out, log15.LogfmtFormat()))
}

// SetupLog installs LogHandler as the root handler, mirrored to stderr when console is set
func SetupLog(dir, lvl string, console bool) {
	h := LogHandler(dir, "runlog", "meshsync.log", lvl)
	if console {
		logLevel, err := log15.LvlFromString(lvl)
		if err != nil {
			logLevel = log15.LvlInfo
		}
		h = log15.MultiHandler(h, log15.LvlFilterHandler(logLevel, log15.StderrHandler))
	}
	log15.Root().SetHandler(h)
}
