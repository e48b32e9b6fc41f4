package logger

import (
	"io"
	"log"
	"os"
)

var (
	InfoLogger  *log.Logger
	WarnLogger  *log.Logger
	ErrorLogger *log.Logger
	logFile     *os.File
)

// Init initializes the loggers. When logFilePath is empty everything goes to
// stderr; otherwise info goes to the log file and warnings/errors go to both.
func Init(logFilePath string) error {
	infoOut := io.Writer(os.Stderr)
	alertOut := io.Writer(os.Stderr)

	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		logFile = f
		infoOut = f
		alertOut = io.MultiWriter(f, os.Stderr)
	}

	InfoLogger = log.New(infoOut, "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	WarnLogger = log.New(alertOut, "WARN: ", log.Ldate|log.Ltime|log.Lshortfile)
	ErrorLogger = log.New(alertOut, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
	return nil
}

// Cleanup closes the log file when the application is done using it
func Cleanup() {
	if logFile != nil {
		logFile.Close()
	}
}

func ensure() {
	if InfoLogger == nil {
		Init("")
	}
}

// Info logs an informational message
func Info(v ...interface{}) {
	ensure()
	InfoLogger.Println(v...)
}

// Warn logs a warning message
func Warn(v ...interface{}) {
	ensure()
	WarnLogger.Println(v...)
}

// Error logs an error message
func Error(v ...interface{}) {
	ensure()
	ErrorLogger.Println(v...)
}
