package conf

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	E "github.com/sagernet/sing-socket/common/exceptions"
	"github.com/sagernet/sing-socket/common/lineio"
)

type Config struct {
	Server *ServerConfig `json:"server,omitempty"`
	Client *ClientConfig `json:"client,omitempty"`
}

type ServerConfig struct {
	Listen        string `json:"listen,omitempty"`
	Port          uint16 `json:"port,omitempty"`
	Backlog       int    `json:"backlog,omitempty"`
	Separator     string `json:"separator,omitempty"`
	Encoding      string `json:"encoding,omitempty"`
	ReadChunkSize int    `json:"read_chunk_size,omitempty"`
	LogLevel      string `json:"log_level,omitempty"`
}

type ClientConfig struct {
	Server    string   `json:"server,omitempty"`
	Port      uint16   `json:"port,omitempty"`
	Separator string   `json:"separator,omitempty"`
	Encoding  string   `json:"encoding,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"`
	LogLevel  string   `json:"log_level,omitempty"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) Build() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(bytes []byte) error {
	var value string
	err := json.Unmarshal(bytes, &value)
	if err != nil {
		return err
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

func Default() *Config {
	return &Config{
		Server: &ServerConfig{
			Listen:    "127.0.0.1",
			Port:      7000,
			Backlog:   128,
			Separator: "\r\n",
			Encoding:  "utf-8",
			LogLevel:  "info",
		},
		Client: &ClientConfig{
			Port:      7000,
			Separator: "\r\n",
			Encoding:  "utf-8",
			Timeout:   Duration(5 * time.Second),
			LogLevel:  "info",
		},
	}
}

// Load reads path over the defaults. Fields absent from the file keep their
// default values.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, E.Cause(err, "read config")
	}
	config := Default()
	err = json.Unmarshal(content, config)
	if err != nil {
		return nil, E.Cause(err, "parse config ", path)
	}
	return config, config.Check()
}

// Check validates separators and encodings.
func (c *Config) Check() error {
	if c.Server != nil {
		_, err := c.Server.LineEncoding()
		if err != nil {
			return err
		}
		if c.Server.Separator == "" {
			return E.New("server: empty separator")
		}
	}
	if c.Client != nil {
		_, err := c.Client.LineEncoding()
		if err != nil {
			return err
		}
		if c.Client.Separator == "" {
			return E.New("client: empty separator")
		}
	}
	return nil
}

func (c *ServerConfig) LineEncoding() (lineio.Encoding, error) {
	return lineio.LookupEncoding(c.Encoding)
}

func (c *ClientConfig) LineEncoding() (lineio.Encoding, error) {
	return lineio.LookupEncoding(c.Encoding)
}

// ParseSeparator interprets Go escape sequences such as \r\n in a separator
// given on the command line.
func ParseSeparator(value string) (string, error) {
	separator, err := strconv.Unquote(`"` + value + `"`)
	if err != nil {
		return "", E.Cause(err, "parse separator ", value)
	}
	if separator == "" {
		return "", E.New("empty separator")
	}
	return separator, nil
}
