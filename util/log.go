package util

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/astaxie/beego/logs"
)

type logconfig struct {
	Filename string `json:"filename"`
	Level    int    `json:"level"`
	MaxLines int    `json:"maxlines"`
	MaxSize  int    `json:"maxsize"`
	Daily    bool   `json:"daily"`
	MaxDays  int    `json:"maxdays"`
	Color    bool   `json:"color"`
}

var logCfg = logconfig{
	Filename: os.Args[0],
	Level:    logs.LevelInformational,
	Daily:    true,
	MaxSize:  10 * 1024 * 1024,
	MaxLines: 100 * 1024,
	MaxDays:  7,
	Color:    false,
}

// LogInit sends logs to the console when the server stays in the
// foreground, and to a daily rotated file under dir otherwise.
func LogInit(dir string, foreground bool, debug bool, filename string) error {
	if debug {
		logCfg.Level = logs.LevelDebug
	}

	var err error
	if foreground {
		err = logs.SetLogger(logs.AdapterConsole, fmt.Sprintf(`{"level":%d}`, logCfg.Level))
	} else {
		if err = os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create log dir %s fail, %s", dir, err.Error())
		}
		logCfg.Filename = fmt.Sprintf("%s%c%s", dir, os.PathSeparator, filename)
		value, merr := json.Marshal(&logCfg)
		if merr != nil {
			return merr
		}
		err = logs.SetLogger(logs.AdapterFile, string(value))
	}
	if err != nil {
		return err
	}

	logs.SetLevel(logCfg.Level)
	logs.Async(100)
	logs.EnableFuncCallDepth(true)
	logs.SetLogFuncCallDepth(3)
	return nil
}

// LogFlush drains the async log channel before exit.
func LogFlush() {
	logs.GetBeeLogger().Flush()
}
