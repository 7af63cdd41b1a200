package main

import (
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/isabella232/FluidFramework/internal/clientauth"
	"github.com/isabella232/FluidFramework/internal/config"
	"github.com/isabella232/FluidFramework/internal/presence"
	"github.com/isabella232/FluidFramework/internal/sequencer"
	"github.com/isabella232/FluidFramework/internal/storage/sqlsnapshot"
	"github.com/isabella232/FluidFramework/internal/transport/audit"
)

// main wires the demo daemon together: load config, dial the ambient
// stores, build the domain-stack components, mount Gin routes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)
	clientauth.Configure(cfg.Auth.Secret)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	tracker := presence.NewRedisTracker(rdb, 10*time.Minute)

	var publisher *audit.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("failed to connect kafka: %v", err)
		}
		defer producer.Close()
		publisher = audit.NewPublisher(producer, cfg.Kafka.Topic, audit.Options{})
	} else {
		publisher = audit.NewPublisher(nil, "", audit.Options{})
	}

	var storage *sqlsnapshot.Store
	if cfg.Mysql.DSN != "" {
		db, err := sqlsnapshot.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		if err := sqlsnapshot.AutoMigrate(db); err != nil {
			log.Fatalf("failed to migrate snapshot table: %v", err)
		}
		storage = sqlsnapshot.NewStore(db)
	}

	hub := sequencer.NewHub(tracker, publisher)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})
	r.GET("/maps/:id/ws", sequencer.UpgradeHandler(hub))

	// Lets an administrator inspect the most recent durable snapshot of a
	// map without speaking the WebSocket protocol; the core engine itself
	// never reads this endpoint.
	r.GET("/maps/:id/snapshot", func(c *gin.Context) {
		if storage == nil {
			c.JSON(404, gin.H{"error": "no snapshot storage configured"})
			return
		}
		blob, err := storage.Read(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if blob == nil {
			c.JSON(404, gin.H{"error": "no snapshot for this id"})
			return
		}
		c.Data(200, "application/json", blob)
	})

	port := cfg.Running.Port
	if err := r.Run(fmt.Sprintf(":%d", port)); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
