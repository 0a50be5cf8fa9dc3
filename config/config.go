package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// DefaultCooldown 默认投票冷却时间（12小时）
const DefaultCooldown = 12 * time.Hour

// MaxHistoryLimit 投票历史查询的最大条数
const MaxHistoryLimit = 10

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Vote    VoteConfig    `mapstructure:"vote"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	InstanceID string `mapstructure:"instance_id"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type VoteConfig struct {
	DefaultCooldown time.Duration `mapstructure:"default_cooldown"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	HistoryLimit    int           `mapstructure:"history_limit"`
}

// GatewayConfig 游戏服务器长连接网关配置
type GatewayConfig struct {
	Address        string        `mapstructure:"address"`
	Path           string        `mapstructure:"path"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var AppConfig Config

// setDefaults 注册默认配置，配置文件中只需覆盖需要修改的项
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.instance_id", "")

	v.SetDefault("mysql.master", "")
	v.SetDefault("mysql.slave", "")
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)

	v.SetDefault("redis.data_address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 2)
	v.SetDefault("redis.timeout", 3*time.Second)

	v.SetDefault("vote.default_cooldown", DefaultCooldown)
	v.SetDefault("vote.store_timeout", 3*time.Second)
	v.SetDefault("vote.history_limit", MaxHistoryLimit)

	v.SetDefault("gateway.address", ":8081")
	v.SetDefault("gateway.path", "/ws")
	v.SetDefault("gateway.ping_interval", 30*time.Second)
	v.SetDefault("gateway.write_timeout", 5*time.Second)
	v.SetDefault("gateway.max_message_size", 50*1024)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "craftvote.rewards")
	v.SetDefault("kafka.group_id", "craftvote-relay")

	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 5*time.Second)

	v.SetDefault("graphql.path", "/graphql")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// defaultInstanceID 由主机名和端口组成，重启后不变，Kafka不会遗留无主的消费者组。
// 取不到主机名时才退回随机ID
func defaultInstanceID(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s-%d", host, port)
}

// normalize 校验并修正配置
func (c *Config) normalize() error {
	if c.Server.InstanceID == "" {
		c.Server.InstanceID = defaultInstanceID(c.Server.Port)
	}
	if c.Vote.DefaultCooldown <= 0 {
		c.Vote.DefaultCooldown = DefaultCooldown
	}
	if c.Vote.HistoryLimit <= 0 || c.Vote.HistoryLimit > MaxHistoryLimit {
		c.Vote.HistoryLimit = MaxHistoryLimit
	}
	if c.Gateway.MaxMessageSize <= 0 {
		return fmt.Errorf("gateway.max_message_size 必须大于0")
	}
	if c.Gateway.PingInterval <= 0 {
		return fmt.Errorf("gateway.ping_interval 必须大于0")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("启用Kafka时必须配置 kafka.brokers")
	}
	return nil
}
