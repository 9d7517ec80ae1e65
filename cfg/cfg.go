package cfg

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Load 读取配置文件并转换为 object，根据文件后缀选择解码器：
//
//	.json -> json
//	.yaml/.yml -> yaml
//	.toml -> toml
//	.ini -> ini
func Load(filename string, object any) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "os.ReadFile failed. filename: %s", filename)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	return Unmarshal(data, format, object)
}

// Unmarshal 按指定格式解码数据并转换为 object
func Unmarshal(data []byte, format string, object any) error {
	storage, err := Parse(data, format)
	if err != nil {
		return err
	}
	return storage.ConvertTo(object)
}

// Parse 按指定格式解码数据为 Storage
func Parse(data []byte, format string) (*Storage, error) {
	var m map[string]any
	switch format {
	case "json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(err, "json.Unmarshal failed")
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(err, "yaml.Unmarshal failed")
		}
	case "toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
			return nil, errors.Wrap(err, "toml.Decode failed")
		}
	case "ini":
		var err error
		if m, err = parseINI(data); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported config format: %q", format)
	}
	return NewStorage(m), nil
}

// parseINI 将 ini 转为层级 map，section 名中的点号表示嵌套，例如 [engine.backend]
func parseINI(data []byte) (map[string]any, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, errors.Wrap(err, "ini.Load failed")
	}

	root := map[string]any{}
	for _, section := range file.Sections() {
		node := root
		if section.Name() != ini.DefaultSection {
			for _, part := range strings.Split(section.Name(), ".") {
				child, ok := node[part].(map[string]any)
				if !ok {
					child = map[string]any{}
					node[part] = child
				}
				node = child
			}
		}
		for _, key := range section.Keys() {
			node[key.Name()] = key.Value()
		}
	}
	return root, nil
}
