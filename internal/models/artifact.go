package models

import "time"

// Artifact 对应 files 表, 分片合并完成后生成的最终文件记录, 创建后不再修改
type Artifact struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint64    `gorm:"not null;index" json:"userId"`                              // 上传者
	SessionID  string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"sessionId"`   // 一个上传会话只能产生一个文件
	FileName   string    `gorm:"type:varchar(255);not null" json:"fileName"`                // 展示用文件名
	StoredName string    `gorm:"type:varchar(255);not null" json:"storedName"`              // 带时间戳的存储文件名
	FileType   string    `gorm:"type:varchar(128);not null;index" json:"fileType"`          // MIME 类型
	Category   string    `gorm:"type:varchar(32);not null" json:"category"`                 // images/video/audio/documents/other
	FileSize   int64     `gorm:"type:bigint;not null" json:"fileSize"`
	FilePath   string    `gorm:"type:varchar(512);not null" json:"-"`                       // 存储中的对象名 <category>/<storedName>
	FileURL    string    `gorm:"type:varchar(512);not null" json:"fileUrl"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"uploadedAt"`
}

// TableName 指定 GORM 使用的表名
func (Artifact) TableName() string {
	return "files"
}
