package main

import (
	"fmt"
	"time"

	"github.com/galdor/go-chat/pkg/chat"
	"github.com/galdor/go-chat/pkg/raft"
	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Raft    RaftCfg            `json:"raft"`
	API     APICfg             `json:"api"`
}

type RaftCfg struct {
	Servers       raft.ServerSet `json:"servers"`
	DataDirectory string         `json:"dataDirectory"`

	JoinAddress string `json:"joinAddress,omitempty"`

	MinElectionTimeout int `json:"minElectionTimeout,omitempty"` // milliseconds
	MaxElectionTimeout int `json:"maxElectionTimeout,omitempty"` // milliseconds
	HeartbeatInterval  int `json:"heartbeatInterval,omitempty"`  // milliseconds

	SnapshotLogThreshold int `json:"snapshotLogThreshold,omitempty"`
	MaxEntriesPerAppend  int `json:"maxEntriesPerAppend,omitempty"`
}

type APICfg struct {
	Addresses map[string]string `json:"addresses"`
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("raft", &cfg.Raft)
	v.CheckObject("api", &cfg.API)
}

func (cfg *RaftCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("servers", func() {
		for _, server := range cfg.Servers {
			v.CheckStringNotEmpty("localAddress", string(server.LocalAddress))
			v.CheckStringNotEmpty("publicAddress", string(server.PublicAddress))
		}
	})

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

func (cfg *APICfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("addresses", func() {
		for id, address := range cfg.Addresses {
			v.CheckStringNotEmpty(id, address)
		}
	})
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	state      *chat.State
	raftServer *raft.Server
	gateway    *chat.Gateway
	apiServer  *APIServer
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the server identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	instanceId := s.Program.ArgumentValue("id")

	if _, found := s.Cfg.Raft.Servers[raft.ServerId(instanceId)]; !found {
		return fmt.Errorf("unknown server id %q", instanceId)
	}

	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	instanceId := s.Program.ArgumentValue("id")

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               s.Cfg.API.Addresses[instanceId],
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.state = chat.NewState()

	if err := s.initRaftServer(); err != nil {
		return err
	}

	s.gateway = chat.NewGateway(s.raftServer, s.state,
		s.Log.Child("gateway", nil))

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initRaftServer() error {
	instanceId := raft.ServerId(s.Program.ArgumentValue("id"))

	logger := s.Log.Child("raft", log.Data{
		"instance": string(instanceId),
	})

	raftCfg := s.Cfg.Raft

	serverCfg := raft.ServerCfg{
		Id:      instanceId,
		Servers: raftCfg.Servers,

		DataDirectory: raftCfg.DataDirectory,

		Logger: logger,

		StateMachine: s.state,

		JoinAddress: raft.ServerAddress(raftCfg.JoinAddress),

		MinElectionTimeout: millis(raftCfg.MinElectionTimeout),
		MaxElectionTimeout: millis(raftCfg.MaxElectionTimeout),
		HeartbeatInterval:  millis(raftCfg.HeartbeatInterval),

		SnapshotLogThreshold: raftCfg.SnapshotLogThreshold,
		MaxEntriesPerAppend:  raftCfg.MaxEntriesPerAppend,

		RoleChangeFunc: s.onRoleChange,
	}

	server, err := raft.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("cannot create raft server: %w", err)
	}

	s.raftServer = server

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.raftServer.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start raft server: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.raftServer.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}

func (s *Service) onRoleChange(state raft.ServerState, leaderId raft.ServerId, leaderAddress raft.ServerAddress) {
	s.gateway.OnRoleChange(state, leaderId, leaderAddress)
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
