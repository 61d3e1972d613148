package log

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogTestSuite struct {
	suite.Suite
}

func (s *LogTestSuite) TearDownTest() {
	_ = SetLevel("info")
	replace(zapcore.Lock(os.Stdout))
}

func (s *LogTestSuite) TestLevels() {
	assert.Nil(s.T(), SetLevel("debug"))
	assert.Equal(s.T(), zapcore.DebugLevel, GetLevel())
	assert.NotEmpty(s.T(), capture(Debug, "debug msg", "key", "value"))
	assert.NotEmpty(s.T(), capture(Info, "info msg", "key", "value"))
	assert.Panics(s.T(), func() { Panic("panic msg", "key", "value") })

	assert.Nil(s.T(), SetLevel("INFO"))
	assert.Equal(s.T(), zapcore.InfoLevel, GetLevel())
	assert.Empty(s.T(), capture(Debug, "debug msg", "key", "value"))
	assert.NotEmpty(s.T(), capture(Info, "info msg", "key", "value"))

	assert.Nil(s.T(), SetLevel("warning"))
	assert.Equal(s.T(), zapcore.WarnLevel, GetLevel())
	assert.Empty(s.T(), capture(Info, "info msg", "key", "value"))
	assert.NotEmpty(s.T(), capture(Warn, "warn msg", "key", "value"))

	assert.Nil(s.T(), SetLevel("error"))
	assert.Empty(s.T(), capture(Warn, "warn msg", "key", "value"))
	assert.NotEmpty(s.T(), capture(Error, "error msg", "key", "value"))

	assert.Nil(s.T(), SetLevel("fatal"))
	assert.Equal(s.T(), zapcore.FatalLevel, GetLevel())
	assert.Empty(s.T(), capture(Error, "error msg", "key", "value"))

	assert.NotNil(s.T(), SetLevel("bogus"))
	assert.Equal(s.T(), "hello world", Clean(" Hello World\n"))
}

func (s *LogTestSuite) TestKeyValues() {
	assert.Nil(s.T(), SetLevel("info"))
	out := capture(Info, "build dispatched", "build", 7, "slave", "hal")
	assert.Contains(s.T(), out, `"msg":"build dispatched"`)
	assert.Contains(s.T(), out, `"build":7`)
	assert.Contains(s.T(), out, `"slave":"hal"`)
	assert.Contains(s.T(), out, `"timestamp"`)
}

func (s *LogTestSuite) TestSetFile() {
	path := filepath.Join(s.T().TempDir(), "slave.log")
	closer := SetFile(path)
	Info("written to file", "key", "value")
	_ = zap.L().Sync()
	assert.NoError(s.T(), closer.Close())

	data, err := os.ReadFile(path)
	assert.NoError(s.T(), err)
	assert.Contains(s.T(), string(data), "written to file")
}

func capture(logFunc func(string, ...interface{}), msg string, kv ...interface{}) string {
	var buffer bytes.Buffer

	oldLogger := zap.S()

	writer := bufio.NewWriter(&buffer)

	zap.ReplaceGlobals(zap.New(
		zapcore.NewCore(
			zapcore.NewJSONEncoder(config()),
			zapcore.AddSync(writer),
			logLevel,
		),
	))

	logFunc(msg, kv...)
	if err := writer.Flush(); err != nil {
		panic(err)
	}

	zap.ReplaceGlobals(oldLogger.Desugar())

	return buffer.String()
}

func TestLogTestSuite(t *testing.T) {
	suite.Run(t, new(LogTestSuite))
}
