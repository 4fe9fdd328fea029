package gateway

import "sync"

// Hub 本进程内的连接、房间与设备→当前连接映射
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	rooms   map[string]map[string]*Conn // room → socketID → conn
	joined  map[string]map[string]struct{}
	devices map[string]string // deviceID → 当前 socketID
}

func newHub() *Hub {
	return &Hub{
		conns:   make(map[string]*Conn),
		rooms:   make(map[string]map[string]*Conn),
		joined:  make(map[string]map[string]struct{}),
		devices: make(map[string]string),
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) get(socketID string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[socketID]
}

// remove 移除连接并退出其所有房间
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range h.joined[c.id] {
		h.leaveLocked(c.id, room)
	}
	delete(h.joined, c.id)
	delete(h.conns, c.id)
}

func (h *Hub) join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.id] = c

	rooms, ok := h.joined[c.id]
	if !ok {
		rooms = make(map[string]struct{})
		h.joined[c.id] = rooms
	}
	rooms[room] = struct{}{}
}

func (h *Hub) leave(c *Conn, room string) {
	h.mu.Lock()
	h.leaveLocked(c.id, room)
	if rooms, ok := h.joined[c.id]; ok {
		delete(rooms, room)
	}
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(socketID, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, socketID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// inRoom 连接是否在房间中
func (h *Hub) inRoom(socketID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][socketID]
	return ok
}

// setCurrent 登记设备的当前连接，返回被取代的连接 ID（没有则为空）
func (h *Hub) setCurrent(deviceID, socketID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.devices[deviceID]
	h.devices[deviceID] = socketID
	return prev
}

// releaseIfCurrent 仅当 socketID 仍是设备的当前连接时删除映射（比较并删除）
func (h *Hub) releaseIfCurrent(deviceID, socketID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.devices[deviceID] != socketID {
		return false
	}
	delete(h.devices, deviceID)
	return true
}

// current 设备当前连接 ID
func (h *Hub) current(deviceID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.devices[deviceID]
	return id, ok
}

// emit 向房间内所有本地连接投递帧，返回投递数
func (h *Hub) emit(room string, frame []byte) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) roomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) all() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}
