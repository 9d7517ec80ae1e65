// FileLoader 将文本文件中的记录导入数据库，支持监听文件变化后重新导入
// 文件每行一条记录，格式由 Parser 定义

package loader

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hatlonely/odb/cfg"
	"github.com/hatlonely/odb/log"
	"github.com/hatlonely/odb/log/logger"
	"github.com/hatlonely/odb/orm"
	"github.com/hatlonely/odb/ref"
	"github.com/hatlonely/odb/schema"
	"github.com/pkg/errors"
)

const (
	LoadStrategyReplace = "replace"
	LoadStrategyInPlace = "inplace"
)

type FileLoaderOptions struct {
	FilePath string `cfg:"filePath" validate:"required"`
	// Type 记录写入的对象类型
	Type   string           `cfg:"type" validate:"required"`
	Parser *ref.TypeOptions `cfg:"parser"`
	// Strategy replace 时先删除该类型的所有对象，inplace 时按主键增量更新
	Strategy string `cfg:"strategy" def:"inplace" validate:"omitempty,oneof=inplace replace"`
	// 是否跳过脏数据（默认遇到脏数据时整个文件不生效；启用后只打印错误日志）
	SkipDirtyRows        bool             `cfg:"skipDirtyRows"`
	ScannerBufferMinSize int              `cfg:"scannerBufferMinSize" def:"65536"`
	ScannerBufferMaxSize int              `cfg:"scannerBufferMaxSize" def:"4194304"`
	Logger               *ref.TypeOptions `cfg:"logger"`
}

// Stats 一次导入的结果
type Stats struct {
	Lines   int
	Created int
	Updated int
	Deleted int
	Skipped int
}

type FileLoader struct {
	filePath             string
	typeName             string
	parser               Parser
	replace              bool
	skipDirtyRows        bool
	scannerBufferMinSize int
	scannerBufferMaxSize int

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	logger logger.Logger
}

func NewFileLoaderWithOptions(options *FileLoaderOptions) (*FileLoader, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	if err := cfg.Validate(options); err != nil {
		return nil, errors.Wrap(err, "validate options failed")
	}
	if options.ScannerBufferMinSize <= 0 {
		options.ScannerBufferMinSize = 64 * 1024
	}
	if options.ScannerBufferMaxSize <= 0 {
		options.ScannerBufferMaxSize = 4 * 1024 * 1024
	}

	p, err := NewParserWithOptions(options.Parser)
	if err != nil {
		return nil, errors.WithMessage(err, "NewParserWithOptions failed")
	}
	l, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "log.NewLoggerWithOptions failed")
	}

	return &FileLoader{
		filePath:             options.FilePath,
		typeName:             options.Type,
		parser:               p,
		replace:              options.Strategy == LoadStrategyReplace,
		skipDirtyRows:        options.SkipDirtyRows,
		scannerBufferMinSize: options.ScannerBufferMinSize,
		scannerBufferMaxSize: options.ScannerBufferMaxSize,
		done:                 make(chan struct{}),
		logger:               l.WithGroup("fileLoader").With("filePath", options.FilePath, "type", options.Type),
	}, nil
}

// Load 在一个写事务中导入整个文件
func (l *FileLoader) Load(ctx context.Context, db *orm.DB) (*Stats, error) {
	sch, err := db.Registry().SchemaFor(l.typeName)
	if err != nil {
		return nil, err
	}

	var stats Stats
	err = db.Write(ctx, func(s *orm.Session) error {
		stats = Stats{}
		if l.replace {
			objects, err := s.Objects(l.typeName)
			if err != nil {
				return err
			}
			for _, obj := range objects {
				if obj.IsInvalidated() {
					continue
				}
				if err := s.Delete(obj); err != nil {
					return err
				}
				stats.Deleted++
			}
		}
		return l.each(func(changeType ChangeType, record map[string]any) error {
			stats.Lines++
			return l.apply(s, sch, changeType, record, &stats)
		}, &stats)
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "load failed", "error", err)
		return nil, err
	}

	l.logger.InfoContext(ctx, "load finished",
		"lines", stats.Lines,
		"created", stats.Created,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"skipped", stats.Skipped,
	)
	return &stats, nil
}

func (l *FileLoader) each(handler func(ChangeType, map[string]any) error, stats *Stats) error {
	fp, err := os.Open(l.filePath)
	if err != nil {
		return errors.Wrap(err, "os.Open failed")
	}
	defer fp.Close()

	scanner := bufio.NewScanner(fp)
	scanner.Buffer(make([]byte, 0, l.scannerBufferMinSize), l.scannerBufferMaxSize)

	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		changeType, record, err := l.parser.Parse(line)
		if lineNumber == 1 {
			l.logger.Debug("first row parsed", "line", string(line), "changeType", changeType)
		}
		if err == nil {
			err = handler(changeType, record)
		}
		if err != nil {
			if l.skipDirtyRows && !errors.Is(err, orm.ErrClosed) {
				stats.Skipped++
				l.logger.Error("skip dirty row", "lineNumber", lineNumber, "content", string(line), "error", err)
				continue
			}
			return errors.WithMessagef(err, "line %d", lineNumber)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scanner.Err failed")
	}
	return nil
}

func (l *FileLoader) apply(s *orm.Session, sch *schema.ObjectSchema, changeType ChangeType, record map[string]any, stats *Stats) error {
	values := make(map[string]any, len(record))
	for name, raw := range record {
		prop, ok := sch.Property(name)
		if !ok {
			continue
		}
		v, err := convert(s, prop, raw)
		if err != nil {
			return err
		}
		values[name] = v
	}

	pk := sch.PrimaryKey()
	var existing *orm.Object
	if pk != nil {
		key, ok := values[pk.Name]
		if !ok {
			return errors.Errorf("missing primary key %s", pk.Name)
		}
		obj, err := s.Object(l.typeName, key)
		if err != nil && !errors.Is(err, orm.ErrNotFound) {
			return err
		}
		existing = obj
	}

	// 操作成功之后才计数，跳过的脏数据只记在 Skipped 中
	switch changeType {
	case ChangeTypeAdd, ChangeTypeUpdate:
		if existing != nil {
			if err := existing.SetValues(values); err != nil {
				return err
			}
			stats.Updated++
			return nil
		}
		if _, err := s.Create(l.typeName, values); err != nil {
			return err
		}
		stats.Created++
		return nil
	case ChangeTypeDelete:
		if pk == nil {
			return errors.Errorf("%s has no primary key", l.typeName)
		}
		if existing == nil {
			stats.Skipped++
			return nil
		}
		if err := s.Delete(existing); err != nil {
			return err
		}
		stats.Deleted++
		return nil
	}
	return errors.Errorf("unsupported change type %v", changeType)
}

// convert 链接属性的原始值为目标对象的主键
func convert(s *orm.Session, prop *schema.Property, raw any) (any, error) {
	switch {
	case prop.Type == schema.TypeObject:
		if raw == nil || raw == "" {
			return nil, nil
		}
		return resolve(s, prop, raw)
	case prop.Type == schema.TypeList && prop.ElemType == schema.TypeObject:
		elems, ok := raw.([]any)
		if !ok {
			return nil, errors.Wrapf(orm.ErrTypeMismatch, "%s: cannot use %T as list", prop.Name, raw)
		}
		out := make([]*orm.Object, len(elems))
		for i, elem := range elems {
			obj, err := resolve(s, prop, elem)
			if err != nil {
				return nil, err
			}
			out[i] = obj
		}
		return out, nil
	}

	if text, ok := raw.(string); ok {
		return fromText(prop, text)
	}
	return schema.Normalize(prop, raw)
}

func resolve(s *orm.Session, prop *schema.Property, key any) (*orm.Object, error) {
	target, err := s.DB().Registry().SchemaFor(prop.ObjectType)
	if err != nil {
		return nil, err
	}
	pk := target.PrimaryKey()
	if pk == nil {
		return nil, errors.Wrapf(orm.ErrSchema, "%s: link target %s has no primary key", prop.Name, prop.ObjectType)
	}
	if text, ok := key.(string); ok {
		if key, err = fromText(pk, text); err != nil {
			return nil, err
		}
	}
	obj, err := s.Object(prop.ObjectType, key)
	if err != nil {
		return nil, errors.WithMessage(err, prop.Name)
	}
	return obj, nil
}

// fromText 将文本列转换为属性的规范类型，可空属性的空字符串为 nil
func fromText(prop *schema.Property, text string) (any, error) {
	t := prop.Type
	if t == schema.TypeList {
		// 列表元素以逗号分隔
		out := []any{}
		if text == "" {
			return out, nil
		}
		elem := &schema.Property{Name: prop.Name, Type: prop.ElemType}
		for _, part := range strings.Split(text, ",") {
			v, err := fromText(elem, part)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	if text == "" && prop.Optional && t != schema.TypeString {
		return nil, nil
	}

	var v any
	var err error
	switch t {
	case schema.TypeBool:
		v, err = strconv.ParseBool(text)
	case schema.TypeInt:
		v, err = strconv.ParseInt(text, 10, 64)
	case schema.TypeFloat, schema.TypeDouble:
		v, err = strconv.ParseFloat(text, 64)
	default:
		return schema.Normalize(prop, text)
	}
	if err != nil {
		return nil, errors.Wrapf(orm.ErrTypeMismatch, "%s: %v", prop.Name, err)
	}
	return schema.Normalize(prop, v)
}

// Watch 先导入一次，之后文件每次变化时重新导入，直到 Close
// onLoad 在每次导入之后调用，可以为 nil
func (l *FileLoader) Watch(ctx context.Context, db *orm.DB, onLoad func(*Stats, error)) error {
	if onLoad == nil {
		onLoad = func(*Stats, error) {}
	}
	stats, err := l.Load(ctx, db)
	if err != nil {
		return errors.WithMessage(err, "initial load failed")
	}
	onLoad(stats, nil)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "fsnotify.NewWatcher failed")
	}
	if err := watcher.Add(filepath.Dir(l.filePath)); err != nil {
		_ = watcher.Close()
		return errors.Wrap(err, "watcher.Add failed")
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if filepath.Clean(event.Name) != filepath.Clean(l.filePath) {
					continue
				}
				stats, err := l.Load(ctx, db)
				if err != nil {
					l.logger.Warn("reload failed", "error", err)
				}
				onLoad(stats, err)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("watcher error", "error", err)
			case <-l.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close 停止监听，重复调用无副作用
func (l *FileLoader) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}
