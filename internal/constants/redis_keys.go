package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// ChatModulePrefix 聊天模块
	ChatModulePrefix = "chat"
	// MaintenanceModulePrefix 维护任务模块
	MaintenanceModulePrefix = "maintenance"

	// EntityLock 分布式锁实体
	EntityLock = "lock"
	// EntityEvents 事件频道实体
	EntityEvents = "events"

	// KeyChatSessionLock 单个会话回复处理的分布式锁 (STRING)
	// 格式: app:chat:lock:{applicationID}
	KeyChatSessionLock = AppPrefix + ":" + ChatModulePrefix + ":" + EntityLock + ":%s"

	// KeyChatEventsChannel 申请的实时事件 Pub/Sub 频道
	// 格式: app:chat:events:{applicationID}
	KeyChatEventsChannel = AppPrefix + ":" + ChatModulePrefix + ":" + EntityEvents + ":%s"

	// KeySweeperLock 超时清理任务的集群锁 (STRING)
	// 格式: app:maintenance:lock:sweeper
	KeySweeperLock = AppPrefix + ":" + MaintenanceModulePrefix + ":" + EntityLock + ":sweeper"
)
