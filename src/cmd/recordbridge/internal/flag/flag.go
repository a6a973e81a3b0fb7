package flag

import (
	"github.com/alecthomas/kingpin"

	"github.com/recordbridge/recordbridge/src/configs"
	"github.com/recordbridge/recordbridge/src/consts"
)

var (
	app = kingpin.New(consts.AppName, "Move records between services through field mappings.")

	Debug   = app.Flag("debug", "Enable debug mode.").Default("false").Bool()
	Conf    = app.Flag("config", "Config file.").Short('c').Default("").String()
	Bind    = app.Flag("bind", "Address of the HTTP API.").Short('b').Default(":8080").String()
	EnvFile = app.Flag("env-file", "Dotenv file holding connector secrets.").Default(".env").String()
	Mapping = app.Flag("mapping", "Run the migration described by this mapping file once and exit.").Short('m').Default("").String()
	DryRun  = app.Flag("dry-run", "Transform and validate without loading (with --mapping).").Default("false").Bool()

	PrintConfig = app.Flag("print-config", "Print the effective config with comments and exit.").Default("false").Bool()
)

// Parse 解析命令行参数，出错时退出进程
func Parse(args []string) {
	app.Version(consts.AppVersion)
	kingpin.MustParse(app.Parse(args))
}

// GenConfigFromFlags 未指定配置文件时由命令行参数生成配置
func GenConfigFromFlags() *configs.Config {
	config := configs.NewConfig()
	config.RPC = configs.RPC{
		Enable: *Mapping == "",
		Bind:   *Bind,
	}
	config.Debug = *Debug
	return config
}
