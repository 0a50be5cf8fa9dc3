package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/craftvote/config"
	"github.com/lvdashuaibi/craftvote/internal/logger"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
)

const (
	defaultTTL = 10 // 默认锁过期时间（秒）
	keyPrefix  = "/craftvote/locks/"
)

// EtcdLock 基于etcd租约的分布式锁
type EtcdLock struct {
	client         *clientv3.Client
	requestTimeout time.Duration
	mu             sync.Mutex            // 保护locks的互斥锁
	locks          map[string]*lockEntry // 当前持有的锁
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc // 用于停止自动续约
}

func NewETCDLock() (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.AppConfig.ETCD.Endpoints,
		DialTimeout: config.AppConfig.ETCD.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	requestTimeout := config.AppConfig.ETCD.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}

	return &EtcdLock{
		client:         cli,
		requestTimeout: requestTimeout,
		locks:          make(map[string]*lockEntry),
	}, nil
}

// AcquireLock 通过事务比较键的创建版本获取锁，键已存在时返回 false
func (el *EtcdLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.locks[lockName]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", lockName)
	}

	key := keyPrefix + lockName
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lease := clientv3.NewLease(el.client)
	grantResp, err := lease.Grant(ctx, defaultTTL)
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		el.revoke(grantResp.ID)
		return false, fmt.Errorf("事务执行失败: %w", err)
	}

	if !txnResp.Succeeded {
		el.revoke(grantResp.ID)
		return false, nil
	}

	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	go el.keepAlive(keepAliveCtx, grantResp.ID)

	el.locks[lockName] = &lockEntry{
		leaseID: grantResp.ID,
		key:     key,
		cancel:  keepAliveCancel,
	}
	return true, nil
}

func (el *EtcdLock) ReleaseLock(lockName string) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	return el.releaseLock(lockName)
}

func (el *EtcdLock) Close() error {
	el.mu.Lock()
	var err error
	for lockName := range el.locks {
		err = multierr.Append(err, el.releaseLock(lockName))
	}
	el.mu.Unlock()

	return multierr.Append(err, el.client.Close())
}

// keepAlive 持有期间定时续约
func (el *EtcdLock) keepAlive(ctx context.Context, leaseID clientv3.LeaseID) {
	lease := clientv3.NewLease(el.client)
	ticker := time.NewTicker(time.Duration(defaultTTL/2) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := lease.KeepAliveOnce(ctx, leaseID); err != nil {
				logger.S().Warnf("etcd租约续约失败: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (el *EtcdLock) revoke(leaseID clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), el.requestTimeout)
	defer cancel()
	if _, err := el.client.Revoke(ctx, leaseID); err != nil {
		logger.S().Warnf("释放租约失败: %v", err)
	}
}

// releaseLock 调用方需持有 el.mu
func (el *EtcdLock) releaseLock(lockName string) error {
	entry, ok := el.locks[lockName]
	if !ok {
		return nil
	}
	entry.cancel()
	delete(el.locks, lockName)

	ctx, cancel := context.WithTimeout(context.Background(), el.requestTimeout)
	defer cancel()

	if _, err := el.client.Delete(ctx, entry.key); err != nil {
		return fmt.Errorf("删除键失败: %w", err)
	}
	if _, err := el.client.Revoke(ctx, entry.leaseID); err != nil {
		return fmt.Errorf("释放租约失败: %w", err)
	}
	return nil
}
