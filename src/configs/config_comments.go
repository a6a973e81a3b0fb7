package configs

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// MarshalCommented 把配置编码为带说明注释的 yaml
func (c *Config) MarshalCommented() ([]byte, error) {
	var doc yaml.Node
	if err := doc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	root := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{&doc}}
	DecorateConfigNode(root)
	return yaml.Marshal(root)
}

// DecorateConfigNode 将硬编码的注释注入到配置节点树中
func DecorateConfigNode(node *yaml.Node) {
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		return
	}
	root := node.Content[0]
	if root.Kind != yaml.MappingNode {
		return
	}

	root.HeadComment = `# 这个配置文件内的注释是自动生成的，请不要手动修改。
# 需要修改注释时，请在 src/configs/config_comments.go 文件内修改。`

	setFieldComment(root, "rpc", "# HTTP 接口（REST、SSE 与 /metrics）", "")
	setFieldComment(root, "app_data_path", "", "# SQLite 任务库默认放在 <app_data_path>/db 下")

	setFieldHeadComment(root, "store", "# 迁移任务存储：memory 重启后丢失，sqlite 持久化并在启动时把中断的任务标记为失败")

	if migration := findNode(root, "migration"); migration != nil {
		setFieldComment(migration, "batch_size", "# 每次从源服务抽取的记录数，上限 10000", "")
		setFieldComment(migration, "max_retries",
			`# 单条记录加载失败后的重试次数，只重试失败的记录
# 重试间隔为 retry_base_delay * 2^n，不超过 retry_max_delay`, "")
		setFieldLineComment(migration, "load_workers", "# 并发加载的分片数")
		setFieldLineComment(migration, "load_chunk_size", "# 每次调用加载接口提交的记录数")
		setFieldLineComment(migration, "transform_workers", "# 并发转换的记录数")
	}

	if progress := findNode(root, "progress"); progress != nil {
		setFieldLineComment(progress, "keepalive_interval", "# 订阅者空闲多久后收到 keepalive 事件")
		setFieldLineComment(progress, "subscriber_buffer", "# 每个订阅者的事件缓冲，满了丢弃最旧的事件")
	}

	if schemas := findNode(root, "schemas"); schemas != nil {
		setFieldComment(schemas, "files",
			`# 额外的实体结构文件，与内置的 stripe / salesforce / chargebee 结构合并
# 文件格式与内置结构相同：schemas: [{service, entity, fields: [{name, type, required}]}]`, "")
	}

	setFieldHeadComment(root, "connectors",
		`# 连接器：键为服务名，type 为 http、memory 或 xlsx
# http 连接器的 list_path / load_path 是模板，例如 '/v1/{{ .Entity | lower }}s'
# 密钥通过 api_key_env 指定的环境变量读取，可写在 .env 文件中
# xlsx 连接器只读：file 指向工作簿，工作表名即实体名，首行为字段名`)

	setFieldHeadComment(root, "notify", "# 迁移结束（完成、失败或取消）时的通知")
	if notifyNode := findNode(root, "notify"); notifyNode != nil {
		if email := findNode(notifyNode, "email"); email != nil {
			setFieldComment(email, "enable", "# 是否开启Email通知", "")
			setFieldComment(email, "smtpHost", "# SMTP服务器地址 (例如: smtp.gmail.com, smtp.qq.com等)", "")
			setFieldComment(email, "smtpPort", "# SMTP服务器端口 (常用端口: 25, 465, 587)", "")
			setFieldComment(email, "senderEmail", "# 发送者邮箱地址", "")
			setFieldComment(email, "senderPassword", "# 发送者邮箱授权码或应用专用密码", "")
			setFieldComment(email, "recipientEmail", "# 接收者邮箱地址", "")
		}
	}

	setFieldHeadComment(root, "sentry", "# Sentry 错误监控配置（用于收集崩溃日志）")
	if sentryNode := findNode(root, "sentry"); sentryNode != nil {
		setFieldComment(sentryNode, "dsn", "# Sentry DSN，留空则读取环境变量 SENTRY_DSN，都为空时禁用", "")
		setFieldComment(sentryNode, "environment", "# 环境标识：production 或 development", "")
	}
}

func findNode(mapNode *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			return mapNode.Content[i+1]
		}
	}
	return nil
}

func setFieldComment(mapNode *yaml.Node, key, headComment, lineComment string) {
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		k := mapNode.Content[i]
		if k.Value == key {
			if headComment != "" {
				k.HeadComment = headComment
			}
			if lineComment != "" {
				k.LineComment = lineComment
			}
			return
		}
	}
}

func setFieldLineComment(mapNode *yaml.Node, key, lineComment string) {
	setFieldComment(mapNode, key, "", lineComment)
}

func setFieldHeadComment(mapNode *yaml.Node, key, headComment string) {
	setFieldComment(mapNode, key, headComment, "")
}
