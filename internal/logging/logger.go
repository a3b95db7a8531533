package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger
var balancerLogger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
	})
	logger.SetLevel(logrus.InfoLevel)

	balancerLogger = logrus.New()
	balancerLogger.SetOutput(os.Stdout)
	balancerLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "time",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "balancer_msg",
		},
	})
	balancerLogger.SetLevel(logrus.InfoLevel)
}

func GetLogger() *logrus.Logger {
	return logger
}

func GetBalancerLogger() *logrus.Logger {
	return balancerLogger
}

func SetLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)
	return nil
}

func SetBalancerLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	balancerLogger.SetLevel(logLevel)
	return nil
}
