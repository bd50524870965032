package config

import (
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/suite"

	"github.com/pgillich/bews-doubler/internal/logger"
)

type ConfigTestSuite struct {
	suite.Suite
	log logr.Logger
	fs  afero.Fs
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) SetupTest() {
	s.log = logger.GetLogger(s.T().Name())
	s.fs = afero.NewMemMapFs()
}

func (s *ConfigTestSuite) TestMissingFileGeneratesIdentity() {
	provider := NewViperProvider(s.fs, "/etc/bews/client.yaml", nil, s.log)

	settings, err := provider.Settings()
	s.Require().NoError(err)
	s.NotEmpty(settings.ClientIdentity)
	s.Equal(DefaultExchange, settings.Exchange)
	s.Equal(DefaultNatsPort, settings.Port)
	s.Equal(time.Second, settings.HeartbeatInterval())
	s.Equal(2*time.Second, settings.HeartbeatTimeout())
	s.Equal(PolicyDrop, settings.RequestPolicy)

	exists, err := afero.Exists(s.fs, "/etc/bews/client.yaml")
	s.Require().NoError(err)
	s.True(exists)

	again, err := provider.Settings()
	s.Require().NoError(err)
	s.Equal(settings.ClientIdentity, again.ClientIdentity)
}

func (s *ConfigTestSuite) TestGeneratedIdentityStableWithoutFile() {
	provider := NewViperProvider(s.fs, "", nil, s.log)

	first, err := provider.Settings()
	s.Require().NoError(err)
	s.NotEmpty(first.ClientIdentity)
	second, err := provider.Settings()
	s.Require().NoError(err)
	s.Equal(first.ClientIdentity, second.ClientIdentity)
	s.True(first.SameConnection(second))
}

func (s *ConfigTestSuite) TestReadsLatestFile() {
	path := "/client.yaml"
	s.Require().NoError(afero.WriteFile(s.fs, path, []byte("host: broker-1\nport: 4333\nclient_identity: one\nrequest_policy: queue\nqueue_bound: 2\n"), 0o600))
	provider := NewViperProvider(s.fs, path, nil, s.log)

	first, err := provider.Settings()
	s.Require().NoError(err)
	s.Equal("broker-1", first.Host)
	s.Equal(4333, first.Port)
	s.Equal("one", first.ClientIdentity)
	s.Equal(PolicyQueue, first.RequestPolicy)
	s.Equal(2, first.QueueBound)
	s.Equal("bews", first.ServerQueue)

	s.Require().NoError(afero.WriteFile(s.fs, path, []byte("host: broker-1\nport: 4333\nclient_identity: two\n"), 0o600))
	second, err := provider.Settings()
	s.Require().NoError(err)
	s.Equal("two", second.ClientIdentity)
	s.False(first.SameConnection(second))
	s.True(second.SameConnection(second))
}

func (s *ConfigTestSuite) TestInvalidPolicy() {
	path := "/client.yaml"
	s.Require().NoError(afero.WriteFile(s.fs, path, []byte("client_identity: one\nrequest_policy: maybe\n"), 0o600))

	_, err := NewViperProvider(s.fs, path, nil, s.log).Settings()
	s.True(errors.Is(err, ErrInvalidSettings))
}

func (s *ConfigTestSuite) TestStaticProvider() {
	settings, err := StaticProvider{Broker: "amqp", ClientIdentity: "c"}.Settings()
	s.Require().NoError(err)
	s.Equal(DefaultAmqpPort, settings.Port)
	s.Equal("c", settings.Params().Name)
}
