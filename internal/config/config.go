package config

import (
	"errors"
	"factory-logistics/internal/types"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段，validate 标签由 validator 校验
type Config struct {
	FrameInterval  time.Duration     `mapstructure:"frame_interval" validate:"gt=0"`  // 帧周期：传送带、分流器、工站推进
	PolicyInterval time.Duration     `mapstructure:"policy_interval" validate:"gt=0"` // 策略周期：物流代理和自动请求
	Broker         BrokerConfig      `mapstructure:"broker"`
	HTTP           HTTPConfig        `mapstructure:"http"`
	Persistence    PersistenceConfig `mapstructure:"persistence"`

	Recipes    []types.Recipe    `mapstructure:"recipes" validate:"dive"`
	Containers []ContainerConfig `mapstructure:"containers" validate:"dive"`
	Stations   []StationConfig   `mapstructure:"stations" validate:"dive"`
	Segments   []SegmentConfig   `mapstructure:"segments" validate:"dive"`
	Routers    []RouterConfig    `mapstructure:"routers" validate:"dive"`
	Storages   []StorageConfig   `mapstructure:"storages" validate:"dive"`
}

// BrokerConfig 物流代理参数
type BrokerConfig struct {
	MaxRequestsPerTick int           `mapstructure:"max_requests_per_tick" validate:"gte=0"`
	RequestTTL         time.Duration `mapstructure:"request_ttl" validate:"gte=0"` // 0 表示请求永不过期
}

// HTTPConfig API 和 WebSocket 服务
type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// PersistenceConfig 持久化文件路径，为空表示不启用
type PersistenceConfig struct {
	WALPath      string        `mapstructure:"wal_path"`                       // 请求预写日志
	StateDB      string        `mapstructure:"state_db"`                       // SQLite 快照库
	SaveInterval time.Duration `mapstructure:"save_interval" validate:"gte=0"` // 定期快照间隔，0 表示只在停机时保存
}

// ContainerConfig 定义一个容器
type ContainerConfig struct {
	ID      string             `mapstructure:"id" validate:"required"`
	Slots   int                `mapstructure:"slots" validate:"gte=0"`
	PerType int                `mapstructure:"per_type" validate:"gte=0"`
	Allowed []string           `mapstructure:"allowed"` // 允许的资源种类，为空表示不限
	Initial []types.Ingredient `mapstructure:"initial"` // 初始库存
}

// StationConfig 定义一个工站
type StationConfig struct {
	ID              string   `mapstructure:"id" validate:"required"`
	Type            string   `mapstructure:"type"`
	Level           int      `mapstructure:"level" validate:"gte=0"`
	Powered         bool     `mapstructure:"powered"`
	MaxQueue        int      `mapstructure:"max_queue" validate:"gte=0"`
	Overflow        string   `mapstructure:"overflow" validate:"omitempty,oneof=discard stall"`
	Input           string   `mapstructure:"input" validate:"required"`  // 输入容器 ID
	Output          string   `mapstructure:"output" validate:"required"` // 输出容器 ID，可以与输入相同
	Queue           []string `mapstructure:"queue"`                      // 启动时入队的配方 ID
	AutoRequest     bool     `mapstructure:"auto_request"`               // 为队首配方的缺料自动提交物流请求
	RequestPriority string   `mapstructure:"request_priority" validate:"omitempty,oneof=low normal high critical"`
}

// Endpoint 指向布局中的一个组件
// 传送带只能从容器拉取；分流器可以从容器或传送带拉取
type Endpoint struct {
	Kind     string `mapstructure:"kind" validate:"required,oneof=container segment"`
	ID       string `mapstructure:"id" validate:"required"`
	Resource string `mapstructure:"resource"` // 从容器拉取时只取该种类，为空表示任意
	Batch    int    `mapstructure:"batch" validate:"gte=0"`
}

// SegmentConfig 定义一段传送带
type SegmentConfig struct {
	ID               string    `mapstructure:"id" validate:"required"`
	Length           float64   `mapstructure:"length" validate:"gt=0"`
	Speed            float64   `mapstructure:"speed" validate:"gte=0"`
	Spacing          float64   `mapstructure:"spacing" validate:"gte=0"`
	MaxParcels       int       `mapstructure:"max_parcels" validate:"gt=0"`
	TransferInterval float64   `mapstructure:"transfer_interval" validate:"gte=0"`
	Input            *Endpoint `mapstructure:"input" validate:"omitempty"`
	Output           *Endpoint `mapstructure:"output" validate:"omitempty"`
}

// RouterOutputConfig 是分流器的一个输出槽位
type RouterOutputConfig struct {
	Endpoint `mapstructure:",squash"`
	Filter   []string `mapstructure:"filter"` // 过滤策略下的允许列表
	Rule     string   `mapstructure:"rule"`   // 过滤策略下的 expr 规则
}

// RouterConfig 定义一个分流器
type RouterConfig struct {
	ID       string               `mapstructure:"id" validate:"required"`
	Policy   string               `mapstructure:"policy" validate:"omitempty,oneof=round_robin priority random overflow filtered"`
	Interval float64              `mapstructure:"interval" validate:"gte=0"`
	Seed     int64                `mapstructure:"seed"`
	Input    Endpoint             `mapstructure:"input"`
	Outputs  []RouterOutputConfig `mapstructure:"outputs" validate:"min=1,max=3,dive"`
}

// StorageConfig 把容器注册到物流代理
type StorageConfig struct {
	Container string `mapstructure:"container" validate:"required"`
	Priority  string `mapstructure:"priority" validate:"omitempty,oneof=low normal high critical"`
	Input     bool   `mapstructure:"input"`  // 可作为请求目标
	Output    bool   `mapstructure:"output"` // 可作为请求来源
}

// LoadConfig 加载配置，优先级：环境变量 (FACTORY_ 前缀) > 配置文件 > 默认值
// path 为空时在当前目录和 ./configs 查找 config.yaml
func LoadConfig(path string) (*Config, error) {
	// .env 文件可选
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("FACTORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}

// SetDefaults 设置默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("frame_interval", "50ms")
	v.SetDefault("policy_interval", "500ms")
	v.SetDefault("broker.max_requests_per_tick", 16)
	v.SetDefault("broker.request_ttl", "0s")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("persistence.wal_path", "requests.wal")
	v.SetDefault("persistence.state_db", "")
	v.SetDefault("persistence.save_interval", "30s")
}
